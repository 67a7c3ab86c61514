package model

import "time"

// DocumentType is the coarse type tag detected at ingestion.
type DocumentType string

const (
	TypeLoan         DocumentType = "loan"
	TypeDeathCert    DocumentType = "death_cert"
	TypeBirthCert    DocumentType = "birth_cert"
	TypeMarriageCert DocumentType = "marriage_cert"
	TypeIDCard       DocumentType = "id_card"
	TypeGeneric      DocumentType = "generic"
)

// Source identifies which ingestion path submitted a document.
type Source string

const (
	SourceDirect    Source = "direct"
	SourcePoller    Source = "poller"
	SourceSecondary Source = "secondary_uploader"
)

// Stage names the pipeline stages. Per-document stages are strictly
// sequential; the stage stored on the Document is the one currently running
// or the terminal state.
type Stage string

const (
	StageIngested  Stage = "ingested"
	StageOCR       Stage = "ocr"
	StageSplit     Stage = "split"
	StageMap       Stage = "map"
	StageExtract   Stage = "extract"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// FieldSource records the provenance of a FieldValue.
type FieldSource string

const (
	SourceAIExtracted    FieldSource = "ai_extracted"
	SourceHumanAdded     FieldSource = "human_added"
	SourceHumanCorrected FieldSource = "human_corrected"
)

// FieldValue is the atomic extraction unit. human_added and human_corrected
// always carry confidence 100; ai_extracted carries the OCR/LLM signal.
type FieldValue struct {
	Value      string      `json:"value"`
	Confidence int         `json:"confidence"`
	Source     FieldSource `json:"source"`
	EditedAt   string      `json:"edited_at,omitempty"`
}

// PageExtraction is the flat map of field names to FieldValues for one page.
// Data never contains nested objects; ingress points flatten on the spot.
type PageExtraction struct {
	Data              map[string]FieldValue `json:"data"`
	OverallConfidence int                   `json:"overall_confidence"`
	AccountNumber     string                `json:"account_number,omitempty"`
	PromptVersion     string                `json:"prompt_version"`
	Edited            bool                  `json:"edited"`
	EditedAt          string                `json:"edited_at,omitempty"`
	LastAction        string                `json:"last_action,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing the cache.
func (p *PageExtraction) Clone() *PageExtraction {
	cp := *p
	cp.Data = make(map[string]FieldValue, len(p.Data))
	for k, v := range p.Data {
		cp.Data[k] = v
	}
	return &cp
}

// DocumentExtraction is the whole-document record for non-loan documents.
// It shares the PageExtraction wire shape and is keyed by doc_id only.
type DocumentExtraction = PageExtraction

// Holder is a person associated with an account.
type Holder struct {
	FullName string `json:"full_name"`
	SSN      string `json:"ssn,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Account groups a contiguous page range of a loan document under one
// account number. PageData is the legacy inline fast path populated by the
// pipeline before the external page cache existed; the page store reads it
// at priority 2 and never writes it.
type Account struct {
	AccountNumber string                  `json:"account_number"`
	PageIndices   []int                   `json:"page_indices"`
	Holders       []Holder                `json:"holders"`
	PageData      map[int]*PageExtraction `json:"page_data,omitempty"`
}

// Clone deep-copies the account, including its page records, so a stored
// snapshot never aliases a record the pipeline is still filling in.
func (a *Account) Clone() Account {
	cp := *a
	cp.PageIndices = append([]int(nil), a.PageIndices...)
	cp.Holders = append([]Holder(nil), a.Holders...)
	if a.PageData != nil {
		cp.PageData = make(map[int]*PageExtraction, len(a.PageData))
		for k, v := range a.PageData {
			cp.PageData[k] = v.Clone()
		}
	}
	return cp
}

// Document is the per-document index record. At most one exists per doc_id.
type Document struct {
	DocID        string       `json:"doc_id"`
	Filename     string       `json:"filename"`
	Source       Source       `json:"source"`
	Type         DocumentType `json:"type"`
	TotalPages   int          `json:"total_pages"`
	Stage        Stage        `json:"stage"`
	Progress     int          `json:"progress"`
	Accounts     []Account    `json:"accounts,omitempty"`
	Unassociated []int        `json:"unassociated_pages,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (d *Document) Clone() *Document {
	cp := *d
	if d.Accounts != nil {
		cp.Accounts = make([]Account, len(d.Accounts))
		for i := range d.Accounts {
			cp.Accounts[i] = d.Accounts[i].Clone()
		}
	}
	cp.Unassociated = append([]int(nil), d.Unassociated...)
	return &cp
}

// QueueStatus is the lifecycle state of a queue entry. Terminal states are
// sticky; illegal transitions are ignored with a warning.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry tracks one document through the processing queue.
type QueueEntry struct {
	DocID       string      `json:"doc_id"`
	Filename    string      `json:"filename"`
	Source      Source      `json:"source"`
	Status      QueueStatus `json:"status"`
	AddedAt     time.Time   `json:"added_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// PollerStatus is the per-object state the S3 poller persists next to each
// upload key.
type PollerStatus string

const (
	PollNew        PollerStatus = "new"
	PollProcessing PollerStatus = "processing"
	PollCompleted  PollerStatus = "completed"
	PollFailed     PollerStatus = "failed"
)

// PollerState is the JSON body of a processing_logs status blob.
type PollerState struct {
	FileKey   string       `json:"file_key"`
	Status    PollerStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
	Error     string       `json:"error,omitempty"`
}
