// Package outbound sends operator messages to contacts through the operator's
// line, moving the operator to another line when the provider keeps failing.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/provider"
	"wa-linepool/pkg/utils"
)

var ErrNoLine = errors.New("outbound: operator holds no line")

type SendRequest struct {
	OperatorID   string `json:"operator_id"`
	ContactPhone string `json:"contact_phone"`
	Text         string `json:"text"`
}

type SendResult struct {
	LineID            string `json:"line_id"`
	ConversationID    string `json:"conversation_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	// Rehomed is set when the send went out on a replacement line.
	Rehomed        bool   `json:"rehomed,omitempty"`
	PreviousLineID string `json:"previous_line_id,omitempty"`
}

type Options struct {
	TxTimeout time.Duration
	// SendRetry bounds provider retries on the operator's current line.
	SendRetry utils.RetryPolicy
}

type Service struct {
	bindings *assignment.Service
	resolver *assignment.Resolver
	provider provider.Provider
	audit    *audit.Service
	log      *slog.Logger
	opts     Options

	Now func() time.Time
}

func NewService(bindings *assignment.Service, resolver *assignment.Resolver, p provider.Provider, auditSvc *audit.Service, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	opts.SendRetry.Retryable = func(err error) bool { return errors.Is(err, lines.ErrProviderUnavailable) }
	return &Service{bindings: bindings, resolver: resolver, provider: p, audit: auditSvc, log: log, opts: opts, Now: time.Now}
}

// Send delivers req.Text from the operator's line. When the provider stays
// unavailable after retries the operator is moved to the best other line
// (any segment as a last resort), its open conversations follow, and the
// message is sent once more from there.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var res SendResult
	phone := provider.NormalizePhone(req.ContactPhone)
	if req.OperatorID == "" || phone == "" || req.Text == "" {
		return res, lines.ErrInvalidArgument
	}
	log := s.log.With("operator_id", req.OperatorID, "contact", phone)

	var (
		op   lines.Operator
		line lines.Line
	)
	err := s.bindings.Store().WithTx(ctx, lines.ReadOnly(s.opts.TxTimeout), func(ctx context.Context, tx lines.Tx) error {
		var err error
		op, err = tx.GetOperator(ctx, req.OperatorID)
		if err != nil {
			return err
		}
		b, ok, err := tx.FindBindingByOperator(ctx, req.OperatorID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoLine
		}
		line, err = tx.GetLine(ctx, b.LineID)
		return err
	})
	if err != nil {
		return res, err
	}

	var receipt provider.SendReceipt
	var sendErr error
	if line.Status == lines.LineStatusActive {
		sendErr = utils.Retry(ctx, s.opts.SendRetry, func(ctx context.Context) error {
			var err error
			receipt, err = s.provider.SendText(ctx, line.Handle, phone, req.Text)
			return err
		})
		if sendErr == nil {
			return s.record(ctx, req.OperatorID, line.ID, phone, req.Text, receipt, res)
		}
		if !errors.Is(sendErr, lines.ErrProviderUnavailable) {
			sendsTotal.WithLabelValues("error").Inc()
			return res, sendErr
		}
		log.WarnContext(ctx, "provider unavailable, reallocating line", "line_id", line.ID, "err", sendErr)
	} else {
		sendErr = fmt.Errorf("%w: line %s is %s", lines.ErrNotActive, line.ID, line.Status)
	}

	newLine, err := s.reallocate(ctx, op, line.ID)
	if err != nil || newLine.ID == "" {
		if err == nil {
			err = sendErr
		}
		s.fail(ctx, req.OperatorID, line.ID, err)
		return res, err
	}
	res.Rehomed, res.PreviousLineID = true, line.ID

	receipt, err = s.provider.SendText(ctx, newLine.Handle, phone, req.Text)
	if err != nil {
		s.fail(ctx, req.OperatorID, newLine.ID, err)
		return res, err
	}
	s.audit.Log(ctx, audit.EventOutboundRehomed, map[string]any{
		"operator_id":      req.OperatorID,
		"line_id":          newLine.ID,
		"previous_line_id": line.ID,
	}, req.OperatorID, audit.SeverityWarning)
	return s.record(ctx, req.OperatorID, newLine.ID, phone, req.Text, receipt, res)
}

// reallocate binds op to the first line that accepts it and moves its open
// conversations off fromLineID in the same transaction.
func (s *Service) reallocate(ctx context.Context, op lines.Operator, fromLineID string) (lines.Line, error) {
	cands, err := s.resolver.CandidatesIn(ctx, s.bindings.Store(), lines.ReadOnly(s.opts.TxTimeout), assignment.Request{
		OperatorID:    op.ID,
		Segment:       op.Segment,
		ExcludeLineID: fromLineID,
		Wide:          true,
	})
	if err != nil {
		return lines.Line{}, err
	}
	for _, c := range cands {
		var opts []assignment.BindOption
		if c.MixedAllowed() {
			opts = append(opts, assignment.WithMixedSegments())
		}
		moved := 0
		err := s.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
			if _, err := assignment.BindTx(ctx, tx, c.Line.ID, op.ID, opts...); err != nil {
				return err
			}
			var err error
			moved, err = tx.RepointConversations(ctx, fromLineID, op.ID, c.Line.ID)
			return err
		})
		if err == nil {
			s.log.InfoContext(ctx, "operator reallocated", "operator_id", op.ID, "line_id", c.Line.ID,
				"previous_line_id", fromLineID, "step", c.Step.String(), "moved", moved)
			return c.Line, nil
		}
		if lines.IsCapacityOrPolicy(err) {
			continue
		}
		return lines.Line{}, err
	}
	return lines.Line{}, nil
}

func (s *Service) record(ctx context.Context, operatorID, lineID, phone, text string, receipt provider.SendReceipt, res SendResult) (SendResult, error) {
	conv := lines.Conversation{
		ID:           uuid.NewString(),
		ContactPhone: phone,
		LineID:       lineID,
		OperatorID:   operatorID,
		Sender:       lines.SenderOperator,
		Body:         text,
		CreatedAt:    s.Now().UTC(),
	}
	err := s.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		return tx.InsertConversation(ctx, conv)
	})
	if err != nil {
		// The message already left; only the local record is missing.
		s.log.ErrorContext(ctx, "outbound message not recorded", "operator_id", operatorID, "line_id", lineID, "err", err)
		return res, err
	}
	res.LineID, res.ConversationID, res.ProviderMessageID = lineID, conv.ID, receipt.ProviderMessageID
	if res.Rehomed {
		sendsTotal.WithLabelValues("rehomed").Inc()
	} else {
		sendsTotal.WithLabelValues("sent").Inc()
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, operatorID, lineID string, err error) {
	sendsTotal.WithLabelValues("failed").Inc()
	s.log.ErrorContext(ctx, "outbound send failed", "operator_id", operatorID, "line_id", lineID, "err", err)
	s.audit.Log(ctx, audit.EventOutboundFailed, map[string]any{
		"operator_id": operatorID,
		"line_id":     lineID,
		"error":       err.Error(),
	}, operatorID, audit.SeverityError)
}
