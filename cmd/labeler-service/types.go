package main

import "time"

type config struct {
	appPassword     string
	appPasswordHash string

	supabaseURL string
	supabaseKey string

	labelBackend string
	labelsDBPath string
	badgerDir    string

	dataPath      string
	imageSubdir   string
	archiveSource string

	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3UseSSL    bool

	redisAddr     string
	redisPassword string
	redisDB       int
	queueName     string
	concurrency   int

	sessionTTL         time.Duration
	catalogTTL         time.Duration
	downloadTimeout    time.Duration
	loginRatePerMinute int
	loginBurst         int
	trustProxyHeaders  bool
	apiAddr            string
}

func (c config) imageDir() string {
	return joinDataPath(c.dataPath, c.imageSubdir)
}

type appState struct {
	cfg        config
	redis      RedisClient
	asynqCli   AsynqClient
	labels     LabelStore
	sessions   SessionStore
	catalog    *imageCatalog
	controller *controller
	limiter    *loginLimiter
}

// phase is the externally visible controller state.
type phase string

const (
	phaseUnauthenticated phase = "unauthenticated"
	phaseLoading         phase = "loading"
	phaseReviewing       phase = "reviewing"
	phaseComplete        phase = "complete"
)

type noticeKind string

const (
	noticeSuccess noticeKind = "success"
	noticeWarning noticeKind = "warning"
	noticeError   noticeKind = "error"
)

type notice struct {
	Kind    noticeKind `json:"kind"`
	Message string     `json:"message"`
}

// labelSession is the per-browser state persisted between requests.
type labelSession struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	Initialized   bool      `json:"initialized"`
	Queue         []string  `json:"queue"`
	Cursor        int       `json:"cursor"`
	Total         int       `json:"total"`
	Notice        *notice   `json:"notice,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	stored     bool
	previousID string
}

type image struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Ext  string `json:"ext"`
}

type currentImage struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// viewModel is everything the page and the JSON API render.
type viewModel struct {
	Phase       phase         `json:"phase"`
	Total       int           `json:"total"`
	Unlabeled   int           `json:"unlabeled"`
	Labeled     int           `json:"labeled"`
	Current     *currentImage `json:"current,omitempty"`
	Tags        []string      `json:"tags"`
	CanPrevious bool          `json:"can_previous"`
	CanNext     bool          `json:"can_next"`
	Notice      *notice       `json:"notice,omitempty"`
}

type queueTaskStatus struct {
	Status    string      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	UpdatedAt string      `json:"updated_at"`
}

type refreshTaskPayload struct {
	TaskID string `json:"task_id"`
}

type refreshResult struct {
	Images     int    `json:"images"`
	Generation int64  `json:"generation"`
	Message    string `json:"message"`
}
