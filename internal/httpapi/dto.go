package httpapi

import (
	"time"

	"repetitor/internal/storage"
)

type accountDTO struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Plan      string    `json:"plan"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Telegram  *int64    `json:"telegramId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type interactionDTO struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Grade       int       `json:"grade"`
	UserMessage string    `json:"userMessage"`
	AIResponse  string    `json:"aiResponse"`
	Confidence  float64   `json:"confidence"`
	NeedsReview bool      `json:"needsReview"`
	InputMode   string    `json:"inputMode"`
	OutputMode  string    `json:"outputMode"`
	Timestamp   time.Time `json:"timestamp"`
}

type linkDTO struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parentId"`
	ChildID     string     `json:"childUserId"`
	Name        string     `json:"name"`
	Grade       int        `json:"grade"`
	Status      string     `json:"consentStatus"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConsentedAt *time.Time `json:"consentDate,omitempty"`
}

type pendingDTO struct {
	linkDTO
	ParentName  string `json:"parentName"`
	ParentEmail string `json:"parentEmail"`
}

type ledgerDTO struct {
	Year       int       `json:"year"`
	Month      int       `json:"month"`
	TokensUsed int64     `json:"tokensUsed"`
	TokenLimit int64     `json:"tokenLimit"`
	CreatedAt  time.Time `json:"createdAt"`
}

type usageDTO struct {
	RequestID    string    `json:"requestId"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	TotalTokens  int64     `json:"totalTokens"`
	Subject      string    `json:"subject"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ticketDTO struct {
	ID           string     `json:"id"`
	UserName     string     `json:"userName"`
	UserEmail    string     `json:"userEmail"`
	Problem      string     `json:"problem"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	AnonymizedAt *time.Time `json:"anonymizedAt,omitempty"`
}

type messageDTO struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Escalated bool      `json:"escalated"`
	CreatedAt time.Time `json:"createdAt"`
}

type exportDTO struct {
	ExportedAt      time.Time        `json:"exportedAt"`
	User            accountDTO       `json:"user"`
	TokenLedger     []ledgerDTO      `json:"tokenLedger"`
	TokenUsage      []usageDTO       `json:"tokenUsage"`
	AIInteractions  []interactionDTO `json:"aiInteractions"`
	Children        []linkDTO        `json:"children"`
	Parents         []linkDTO        `json:"parents"`
	SupportTickets  []ticketDTO      `json:"supportTickets"`
	SupportMessages []messageDTO     `json:"supportMessages"`
}

func toAccountDTO(a storage.Account) accountDTO {
	return accountDTO{ID: a.ID, Role: a.Role, Plan: a.Plan, Name: a.Name, Email: a.Email, Telegram: a.TelegramID, CreatedAt: a.CreatedAt}
}

func toInteractionDTO(in storage.Interaction) interactionDTO {
	return interactionDTO{
		ID:          in.ID,
		Subject:     in.Subject,
		Grade:       in.Grade,
		UserMessage: in.UserMessage,
		AIResponse:  in.AIResponse,
		Confidence:  in.Confidence,
		NeedsReview: in.NeedsReview,
		InputMode:   in.InputMode,
		OutputMode:  in.OutputMode,
		Timestamp:   in.CreatedAt,
	}
}

func toLinkDTO(l storage.ConsentLink) linkDTO {
	return linkDTO{
		ID:          l.ID,
		ParentID:    l.ParentID,
		ChildID:     l.ChildID,
		Name:        l.ChildName,
		Grade:       l.Grade,
		Status:      l.Status,
		CreatedAt:   l.CreatedAt,
		ConsentedAt: l.ConsentedAt,
	}
}

func toTicketDTO(t storage.SupportTicket) ticketDTO {
	return ticketDTO{
		ID:           t.ID,
		UserName:     t.UserName,
		UserEmail:    t.UserEmail,
		Problem:      t.Problem,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		AnonymizedAt: t.AnonymizedAt,
	}
}

func toMessageDTO(m storage.SupportMessage) messageDTO {
	return messageDTO{ID: m.ID, TicketID: m.TicketID, Role: m.Role, Content: m.Content, Escalated: m.Escalated, CreatedAt: m.CreatedAt}
}

func toExportDTO(e storage.AccountExport, now time.Time) exportDTO {
	out := exportDTO{
		ExportedAt:      now.UTC(),
		User:            toAccountDTO(e.Account),
		TokenLedger:     make([]ledgerDTO, 0, len(e.Ledger)),
		TokenUsage:      make([]usageDTO, 0, len(e.Usage)),
		AIInteractions:  make([]interactionDTO, 0, len(e.Interactions)),
		Children:        make([]linkDTO, 0, len(e.ParentLinks)),
		Parents:         make([]linkDTO, 0, len(e.ChildLinks)),
		SupportTickets:  make([]ticketDTO, 0, len(e.SupportTickets)),
		SupportMessages: make([]messageDTO, 0, len(e.SupportMessages)),
	}
	for _, l := range e.Ledger {
		out.TokenLedger = append(out.TokenLedger, ledgerDTO{Year: l.Year, Month: l.Month, TokensUsed: l.TokensUsed, TokenLimit: l.TokenLimit, CreatedAt: l.CreatedAt})
	}
	for _, u := range e.Usage {
		out.TokenUsage = append(out.TokenUsage, usageDTO{
			RequestID: u.RequestID, InputTokens: u.InputTokens, OutputTokens: u.OutputTokens,
			TotalTokens: u.TotalTokens, Subject: u.Subject, Model: u.Model, CreatedAt: u.CreatedAt,
		})
	}
	for _, in := range e.Interactions {
		out.AIInteractions = append(out.AIInteractions, toInteractionDTO(in))
	}
	// ParentLinks are links where the account is the parent, i.e. its children.
	for _, l := range e.ParentLinks {
		out.Children = append(out.Children, toLinkDTO(l))
	}
	for _, l := range e.ChildLinks {
		out.Parents = append(out.Parents, toLinkDTO(l))
	}
	for _, t := range e.SupportTickets {
		out.SupportTickets = append(out.SupportTickets, toTicketDTO(t))
	}
	for _, m := range e.SupportMessages {
		out.SupportMessages = append(out.SupportMessages, toMessageDTO(m))
	}
	return out
}
