package domain

// BatchOptions tunes the pacing of multi-target sends.
// Nil fields fall back to configured defaults.
type BatchOptions struct {
	SendDelay   *float64 `json:"sendDelay,omitempty"` // seconds between consecutive sends
	RandomDelay *bool    `json:"randomDelay,omitempty"`
}

// TextRequest is one invocation of the text sender.
type TextRequest struct {
	ToType       string        `json:"toType"`
	ToID         string        `json:"toId,omitempty"`
	ToIDs        []string      `json:"toIds,omitempty"`
	Text         string        `json:"text"`
	BatchOptions *BatchOptions `json:"batchOptions,omitempty"`
}

// InlineFile is a file embedded in the request as base64 text.
type InlineFile struct {
	Data     string `json:"data"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// FileRequest is one invocation of the file sender. Exactly one of URL or
// FileData names the source.
type FileRequest struct {
	ToType       string        `json:"toType"`
	ToID         string        `json:"toId,omitempty"`
	ToIDs        []string      `json:"toIds,omitempty"`
	URL          string        `json:"url,omitempty"`
	Filename     string        `json:"filename,omitempty"`
	FileData     *InlineFile   `json:"fileData,omitempty"`
	Caption      string        `json:"caption,omitempty"`
	BatchOptions *BatchOptions `json:"batchOptions,omitempty"`
}

// IsBatch reports whether the request addresses a list of targets.
func (r TextRequest) IsBatch() bool { return len(r.ToIDs) > 0 }

// IsBatch reports whether the request addresses a list of targets.
func (r FileRequest) IsBatch() bool { return len(r.ToIDs) > 0 }
