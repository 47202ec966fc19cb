package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"outcraftly/models"
	"outcraftly/utils"
)

var ErrInvalidEvent = errors.New("invalid event")

// EventInput is one pushed reply or bounce notification.
type EventInput struct {
	Type       string                 `json:"type" validate:"required,oneof=reply bounce"`
	MessageID  string                 `json:"message_id" validate:"required_without=ContactID"`
	ContactID  *uint                  `json:"contact_id" validate:"required_with=SequenceID"`
	SequenceID *uint                  `json:"sequence_id" validate:"required_with=ContactID"`
	OccurredAt *time.Time             `json:"occurred_at" validate:"required"`
	InboundID  string                 `json:"inbound_id"`
	Subject    string                 `json:"subject"`
	Snippet    string                 `json:"snippet"`
	Payload    map[string]interface{} `json:"payload"`
}

func (in EventInput) Validate() error {
	if err := utils.ValidateStruct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (in EventInput) signal(teamID *uint) Signal {
	sig := Signal{
		Kind:       models.LogType(in.Type),
		TeamID:     teamID,
		ContactID:  in.ContactID,
		SequenceID: in.SequenceID,
		InboundID:  in.InboundID,
		OccurredAt: *in.OccurredAt,
		Subject:    in.Subject,
		Snippet:    in.Snippet,
		Payload:    in.Payload,
	}
	if in.MessageID != "" {
		sig.MessageIDs = utils.ParseMessageIDList(in.MessageID)
	}
	return sig
}

type EventResult struct {
	Type       string `json:"type"`
	Status     Result `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	ContactID  *uint  `json:"contact_id"`
	SequenceID *uint  `json:"sequence_id"`
}

// IngestEvents applies a batch of pushed events. Each event is validated and
// reconciled on its own; a bad event never affects the others.
func (r *Reconciler) IngestEvents(ctx context.Context, teamID *uint, events []EventInput) []EventResult {
	results := make([]EventResult, 0, len(events))
	for _, in := range events {
		results = append(results, r.ingest(ctx, teamID, in))
	}
	return results
}

// IngestRawEvents decodes each element separately, so one malformed event
// only fails its own result.
func (r *Reconciler) IngestRawEvents(ctx context.Context, teamID *uint, raw []json.RawMessage) []EventResult {
	results := make([]EventResult, 0, len(raw))
	for _, item := range raw {
		var in EventInput
		if err := json.Unmarshal(item, &in); err != nil {
			var head struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(item, &head)
			results = append(results, EventResult{
				Type:   head.Type,
				Status: ResultError,
				Error:  fmt.Sprintf("%v: %v", ErrInvalidEvent, err),
			})
			continue
		}
		results = append(results, r.ingest(ctx, teamID, in))
	}
	return results
}

func (r *Reconciler) ingest(ctx context.Context, teamID *uint, in EventInput) EventResult {
	res := EventResult{Type: in.Type, ContactID: in.ContactID, SequenceID: in.SequenceID}

	if err := in.Validate(); err != nil {
		res.Status, res.Error = ResultError, err.Error()
		return res
	}

	out, err := r.Apply(ctx, in.signal(teamID))
	if err != nil {
		utils.LogError("event_ingest", err, map[string]interface{}{
			"type":       in.Type,
			"message_id": in.MessageID,
		})
		res.Status, res.Error = ResultError, "event could not be processed"
		return res
	}

	res.Status, res.Reason = out.Result, out.Reason
	if out.ContactID != nil {
		res.ContactID, res.SequenceID = out.ContactID, out.SequenceID
	}
	return res
}
