package main

import "time"

const taskStateTTL = 7 * 24 * time.Hour

const (
	taskTypeRefreshCatalog = "labeler:refresh_catalog"

	refreshLastTask      = "labeler:refresh:last_task_id"
	catalogGenerationKey = "labeler:catalog:generation"
	sessionKeyPrefix     = "labeler:session:"
	taskMetaPrefix       = "labeler:task-meta-"

	sessionCookieName = "labeler_session"
	sessionHeader     = "X-Session-Id"
	archiveFileName   = "downloaded_file.zip"
	labelsTable       = "labels"
)

// tagVocabulary is the closed set of tags an operator can assign.
var tagVocabulary = []string{
	"traditional house",
	"Bangalows",
	"Vehicle",
	"Special order",
	"Sprouts",
	"Boat",
}

var catalogExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}
