package domain

import "time"

// Contact is one chat target known to the client.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Type  string `json:"type"`
}

// BatchItem is the outcome of one target within a batch send.
type BatchItem struct {
	Target    string    `json:"target"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary counts batch outcomes.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Result is the single JSON object every invocation prints.
type Result struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	InstallHint string      `json:"install_hint,omitempty"`
	Target      string      `json:"target,omitempty"`
	LoggedIn    *bool       `json:"logged_in,omitempty"`
	User        string      `json:"user,omitempty"`
	Count       *int        `json:"count,omitempty"`
	Contacts    []Contact   `json:"contacts,omitzero"` // an empty non-nil list still renders as []
	Filename    string      `json:"filename,omitempty"`
	FileSize    int64       `json:"file_size,omitempty"`
	Cleanup     string      `json:"cleanup,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Results     []BatchItem `json:"results,omitempty"`
	Summary     *Summary    `json:"summary,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// InstallHint is shown when the automation library is not installed.
const InstallHint = "pip install wxauto"

// Failure converts err into a failed result carrying its kind.
func Failure(err error) Result {
	kind := KindOf(err)
	r := Result{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
		Timestamp: time.Now(),
	}
	if kind == KindDependencyMissing {
		r.InstallHint = InstallHint
	}
	return r
}

// Summarize counts the outcomes in items.
func Summarize(items []BatchItem) *Summary {
	s := &Summary{Total: len(items)}
	for _, it := range items {
		if it.Success {
			s.Successful++
		}
	}
	s.Failed = s.Total - s.Successful
	return s
}
