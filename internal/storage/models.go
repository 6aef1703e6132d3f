package storage

import "time"

const (
	RoleStudent = "STUDENT"
	RoleParent  = "PARENT"

	ConsentPending  = "PENDING"
	ConsentApproved = "APPROVED"

	TicketOpen      = "OPEN"
	TicketEscalated = "ESCALATED"
	TicketResolved  = "RESOLVED"
	TicketClosed    = "CLOSED"
)

type Account struct {
	ID         string
	Role       string
	Plan       string
	Name       string
	Email      string
	TelegramID *int64
	CreatedAt  time.Time
}

// LedgerEntry is the per-account, per-month token counter.
type LedgerEntry struct {
	AccountID  string
	Year       int
	Month      int
	TokensUsed int64
	TokenLimit int64
	CreatedAt  time.Time
}

type UsageRecord struct {
	RequestID    string
	AccountID    string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Subject      string
	Model        string
	CreatedAt    time.Time
}

type Interaction struct {
	ID          string
	AccountID   string
	Subject     string
	Grade       int
	UserMessage string
	AIResponse  string
	Confidence  float64
	NeedsReview bool
	InputMode   string
	OutputMode  string
	CreatedAt   time.Time
}

type ConsentLink struct {
	ID          string
	ParentID    string
	ChildID     string
	ChildName   string
	Grade       int
	Status      string
	CreatedAt   time.Time
	ConsentedAt *time.Time
}

// ConsentLinkWithParent is a link joined with the requesting parent's contact details.
type ConsentLinkWithParent struct {
	ConsentLink
	ParentName  string
	ParentEmail string
}

type SupportTicket struct {
	ID           string
	AccountID    *string
	UserName     string
	UserEmail    string
	Problem      string
	Conversation string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AnonymizedAt *time.Time
}

type SupportMessage struct {
	ID        string
	TicketID  string
	AccountID *string
	Role      string
	Content   string
	Escalated bool
	CreatedAt time.Time
}

type AuditEntry struct {
	AccountID string
	Action    string
	MetaJSON  string
	CreatedAt time.Time
}

// AccountExport is everything stored about one account.
type AccountExport struct {
	Account         Account
	Ledger          []LedgerEntry
	Usage           []UsageRecord
	Interactions    []Interaction
	ChildLinks      []ConsentLink
	ParentLinks     []ConsentLink
	SupportTickets  []SupportTicket
	SupportMessages []SupportMessage
}
