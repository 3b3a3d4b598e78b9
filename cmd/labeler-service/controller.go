package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

var errUnauthenticated = errors.New("not authenticated")

const (
	msgIncorrectPassword = "Incorrect password"
	msgEmptySelection    = "Please select at least one label before saving."
	msgStaleImage        = "The image on screen is no longer current; review it and save again."
)

type imageLister interface {
	List(ctx context.Context, dir string) ([]image, error)
}

// controller owns the review state machine. Every transition loads the
// session under its lock, applies one change, persists it and returns the
// view model to render.
type controller struct {
	catalog  imageLister
	labels   LabelStore
	sessions SessionStore
	creds    credentialChecker
	imageDir string
	locks    *sessionLocks
	now      func() time.Time
}

func newController(catalog imageLister, labels LabelStore, sessions SessionStore, creds credentialChecker, imageDir string) *controller {
	return &controller{
		catalog:  catalog,
		labels:   labels,
		sessions: sessions,
		creds:    creds,
		imageDir: imageDir,
		locks:    newSessionLocks(),
		now:      time.Now,
	}
}

func (s *labelSession) phase() phase {
	switch {
	case !s.Authenticated:
		return phaseUnauthenticated
	case !s.Initialized:
		return phaseLoading
	case len(s.Queue) == 0:
		return phaseComplete
	default:
		return phaseReviewing
	}
}

func (s *labelSession) clampCursor() {
	switch {
	case len(s.Queue) == 0:
		s.Cursor = 0
	case s.Cursor >= len(s.Queue):
		s.Cursor = len(s.Queue) - 1
	case s.Cursor < 0:
		s.Cursor = 0
	}
}

func (s *labelSession) current() (string, bool) {
	if len(s.Queue) == 0 {
		return "", false
	}
	return s.Queue[s.Cursor], true
}

func (s *labelSession) previous() {
	s.Cursor--
	s.clampCursor()
}

func (s *labelSession) next() {
	s.Cursor++
	s.clampCursor()
}

func (s *labelSession) removeCurrent() {
	if len(s.Queue) == 0 {
		return
	}
	s.Queue = append(s.Queue[:s.Cursor], s.Queue[s.Cursor+1:]...)
	s.clampCursor()
}

func buildView(sess *labelSession) viewModel {
	v := viewModel{
		Phase:  sess.phase(),
		Tags:   append([]string(nil), tagVocabulary...),
		Notice: sess.Notice,
	}
	if sess.Initialized {
		v.Total = sess.Total
		v.Unlabeled = len(sess.Queue)
		v.Labeled = max(0, sess.Total-len(sess.Queue))
	}
	if v.Phase == phaseReviewing {
		name, _ := sess.current()
		v.Current = &currentImage{
			Name:     name,
			URL:      "/images/" + url.PathEscape(name),
			Position: sess.Cursor + 1,
		}
		v.CanPrevious = sess.Cursor > 0
		v.CanNext = sess.Cursor < len(sess.Queue)-1
	}
	return v
}

func (c *controller) transition(ctx context.Context, id string, consume bool, apply func(context.Context, *labelSession) error) (*labelSession, viewModel, error) {
	if id != "" {
		unlock := c.locks.lock(id)
		defer unlock()
	}
	sess, err := c.loadOrCreate(ctx, id)
	if err != nil {
		return nil, viewModel{}, err
	}

	applyErr := apply(ctx, sess)
	view := buildView(sess)
	if consume {
		sess.Notice = nil
	}
	// An anonymous visitor with nothing to carry over gets no stored session.
	if !sess.stored && !sess.Authenticated && sess.Notice == nil {
		return sess, view, applyErr
	}
	sess.UpdatedAt = c.now()
	if err := c.sessions.Save(ctx, sess); err != nil {
		return sess, view, err
	}
	if sess.previousID != "" {
		if err := c.sessions.Delete(ctx, sess.previousID); err != nil {
			logger.Warn("failed to drop pre-login session", "error", err)
		}
		sess.previousID = ""
	}
	sess.stored = true
	return sess, view, applyErr
}

// rotateID gives the session a fresh id so an id known before login is
// useless after it.
func (s *labelSession) rotateID() {
	if s.stored {
		s.previousID = s.ID
	}
	s.ID = uuid.NewString()
}

func (c *controller) loadOrCreate(ctx context.Context, id string) (*labelSession, error) {
	if id != "" {
		sess, ok, err := c.sessions.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			sess.stored = true
			sess.previousID = ""
			sess.clampCursor()
			return sess, nil
		}
	}
	return newLabelSession(c.now()), nil
}

// View renders the session, finishing initialization when a previous
// attempt failed after login.
func (c *controller) View(ctx context.Context, id string) (*labelSession, viewModel, error) {
	return c.transition(ctx, id, true, func(ctx context.Context, sess *labelSession) error {
		if sess.Authenticated && !sess.Initialized {
			return c.initialize(ctx, sess)
		}
		return nil
	})
}

func (c *controller) Login(ctx context.Context, id, password string, consume bool) (*labelSession, viewModel, error) {
	return c.transition(ctx, id, consume, func(ctx context.Context, sess *labelSession) error {
		if sess.Authenticated {
			if !sess.Initialized {
				return c.initialize(ctx, sess)
			}
			return nil
		}
		if password == "" {
			return nil
		}
		if !c.creds.Check(password) {
			sess.Notice = &notice{Kind: noticeError, Message: msgIncorrectPassword}
			logger.Warn("login rejected", "session_id", sess.ID)
			return nil
		}
		sess.Authenticated = true
		sess.rotateID()
		logger.Info("login accepted", "session_id", sess.ID)
		return c.initialize(ctx, sess)
	})
}

func (c *controller) Previous(ctx context.Context, id string, consume bool) (*labelSession, viewModel, error) {
	return c.transition(ctx, id, consume, func(ctx context.Context, sess *labelSession) error {
		if err := c.ready(ctx, sess); err != nil {
			return err
		}
		sess.previous()
		return nil
	})
}

func (c *controller) Next(ctx context.Context, id string, consume bool) (*labelSession, viewModel, error) {
	return c.transition(ctx, id, consume, func(ctx context.Context, sess *labelSession) error {
		if err := c.ready(ctx, sess); err != nil {
			return err
		}
		sess.next()
		return nil
	})
}

// Save persists tags for the current image and drops it from the queue.
// expected, when set, must name the current image.
func (c *controller) Save(ctx context.Context, id string, rawTags []string, expected string, consume bool) (*labelSession, viewModel, error) {
	return c.transition(ctx, id, consume, func(ctx context.Context, sess *labelSession) error {
		if err := c.ready(ctx, sess); err != nil {
			return err
		}
		name, ok := sess.current()
		if !ok {
			return nil
		}
		if expected != "" && expected != name {
			sess.Notice = &notice{Kind: noticeWarning, Message: msgStaleImage}
			return nil
		}
		tags := normalizeTags(rawTags)
		if len(tags) == 0 {
			sess.Notice = &notice{Kind: noticeWarning, Message: msgEmptySelection}
			return nil
		}
		if err := c.labels.SaveLabels(ctx, name, tags); err != nil {
			return fmt.Errorf("save labels for %s: %w", name, err)
		}
		sess.removeCurrent()
		sess.Notice = &notice{Kind: noticeSuccess, Message: "Labels saved for " + name}
		logger.Info("labels saved",
			"session_id", sess.ID,
			"filename", name,
			"tags", tags,
			"remaining", len(sess.Queue),
		)
		return nil
	})
}

func (c *controller) Logout(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	unlock := c.locks.lock(id)
	defer unlock()
	return c.sessions.Delete(ctx, id)
}

func (c *controller) ready(ctx context.Context, sess *labelSession) error {
	if !sess.Authenticated {
		return errUnauthenticated
	}
	if !sess.Initialized {
		return c.initialize(ctx, sess)
	}
	return nil
}

// initialize snapshots the images that have no stored labels yet.
func (c *controller) initialize(ctx context.Context, sess *labelSession) error {
	labeled, err := c.labels.ListLabeledFilenames(ctx)
	if err != nil {
		return fmt.Errorf("list labeled images: %w", err)
	}
	images, err := c.catalog.List(ctx, c.imageDir)
	if err != nil {
		return fmt.Errorf("list catalog: %w", err)
	}
	queue := make([]string, 0, len(images))
	for _, img := range images {
		if _, done := labeled[img.Name]; !done {
			queue = append(queue, img.Name)
		}
	}
	sess.Queue = queue
	sess.Cursor = 0
	sess.Total = len(images)
	sess.Initialized = true
	logger.Info("session initialized",
		"session_id", sess.ID,
		"images", len(images),
		"unlabeled", len(queue),
	)
	return nil
}
