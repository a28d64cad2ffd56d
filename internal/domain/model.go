package domain

// MergeRequest represents the core domain model for a merge request under review.
// It is the canonical data structure across the application (Poller/Webhook -> Orchestrator -> Pipeline).
type MergeRequest struct {
	IID       int64  `json:"iid"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	WebURL    string `json:"web_url"`
	HeadSHA   string `json:"head_sha"`
	Author    string `json:"author"`
}

// FileDiff is a single changed file within a merge request diff.
type FileDiff struct {
	Path        string `json:"path"`
	OldPath     string `json:"old_path,omitempty"`
	AddedFile   bool   `json:"added_file"`
	DeletedFile bool   `json:"deleted_file"`
	RenamedFile bool   `json:"renamed_file"`
	Patch       string `json:"patch"`
}

// Suggestion severity levels returned by the AI reviewer.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Suggestion is a single finding from the AI reviewer.
type Suggestion struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ReviewResult is the structured outcome of a single AI review call.
type ReviewResult struct {
	Score       int          `json:"score"` // 0..10
	Summary     string       `json:"summary"`
	Suggestions []Suggestion `json:"suggestions"`
	Model       string       `json:"model,omitempty"`
}

// Candidate identifies a unit of review work produced by the poller or
// the webhook ingestor. HeadSHA is the snapshot the producer observed;
// Title and WebURL ride along for the completion notification.
type Candidate struct {
	ProjectID string
	MRID      int64
	HeadSHA   string
	Title     string
	WebURL    string
}

// Valid reports whether the candidate carries the fields the
// orchestrator needs to key and snapshot a review.
func (c Candidate) Valid() bool {
	return c.ProjectID != "" && c.MRID > 0 && c.HeadSHA != ""
}

// CompletionEvent is published to the notification sink after a
// successful review. Fire-and-forget: consumers must never influence
// the recorded review status.
type CompletionEvent struct {
	RunID        string `json:"run_id"`
	ProjectID    string `json:"project_id"`
	MRID         int64  `json:"mr_id"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Score        int    `json:"score"`
	FilesChanged int    `json:"files_changed"`
	Success      bool   `json:"success"`
}
