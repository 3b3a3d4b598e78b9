package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/supabase-community/postgrest-go"
)

const postgrestPageSize = 1000

// postgrestLabelStore talks to a hosted Postgres table through its REST
// gateway (Supabase).
type postgrestLabelStore struct {
	client *postgrest.Client
	table  string
}

type labelRow struct {
	Filename string   `json:"filename"`
	Labels   []string `json:"labels,omitempty"`
}

func newPostgrestLabelStore(baseURL, key string) (*postgrestLabelStore, error) {
	client := postgrest.NewClient(strings.TrimRight(baseURL, "/")+"/rest/v1", "public", map[string]string{
		"apikey":        key,
		"Authorization": "Bearer " + key,
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("postgrest client for %s: %w", baseURL, client.ClientError)
	}
	return &postgrestLabelStore{client: client, table: labelsTable}, nil
}

func (s *postgrestLabelStore) Close() error { return nil }

func (s *postgrestLabelStore) SaveLabels(ctx context.Context, filename string, tags []string) error {
	if len(tags) == 0 {
		return errEmptyLabels
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := []labelRow{{Filename: filename, Labels: tags}}
	if _, _, err := s.client.From(s.table).Upsert(rows, "filename", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("upsert labels for %s: %w", filename, err)
	}
	return nil
}

// ListLabeledFilenames pages until the gateway returns an empty page. A
// server-side row cap may shorten any page, so a short page is not the end.
func (s *postgrestLabelStore) ListLabeledFilenames(ctx context.Context) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	for offset := 0; ; {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var rows []labelRow
		_, err := s.client.From(s.table).
			Select("filename", "", false).
			Order("filename", &postgrest.OrderOpts{Ascending: true}).
			Range(offset, offset+postgrestPageSize-1, "").
			ExecuteTo(&rows)
		if err != nil {
			return result, fmt.Errorf("list labeled filenames at offset %d: %w", offset, err)
		}
		if len(rows) == 0 {
			return result, nil
		}
		for _, row := range rows {
			result[row.Filename] = struct{}{}
		}
		offset += len(rows)
	}
}

func (s *postgrestLabelStore) LabelsFor(ctx context.Context, filename string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []labelRow
	_, err := s.client.From(s.table).
		Select("filename,labels", "", false).
		Eq("filename", filename).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get labels for %s: %w", filename, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Labels, nil
}
