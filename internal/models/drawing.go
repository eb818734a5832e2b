package models

// Drawing is an uploaded plan or drawing file reference. The file itself
// lives in remote storage; the core only tracks the record.
type Drawing struct {
	Envelope
	OriginalName string `json:"originalName"`
	FilePath     string `json:"filePath,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	Size         int64  `json:"size,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	CompanyID    string `json:"companyId,omitempty"`
	UploadedBy   string `json:"uploadedBy,omitempty"`
}

// NewDrawing returns a drawing with its envelope tagged.
func NewDrawing() *Drawing {
	return &Drawing{Envelope: Envelope{EntityType: EntityDrawing}}
}
