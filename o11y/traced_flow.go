package o11y

import (
	"context"

	"github.com/nftauth/gateway/flow"
)

type tracedFlow struct {
	id  string
	svc flow.Service
}

var _ flow.Service = (*tracedFlow)(nil)

// NewTracedFlow traces the operations of the flow with the given id. Spans
// started below them carry the flow id.
func NewTracedFlow(id string, svc flow.Service) flow.Service {
	return &tracedFlow{id: id, svc: svc}
}

func (t *tracedFlow) trace(ctx context.Context, name string, fn func(context.Context) (*flow.View, error)) (view *flow.View, err error) {
	ctx, span := Trace(ctx, "flow."+name, WithFlowID(t.id))
	defer func() {
		span.RecordError(err)
		if view != nil {
			span.SetAnnotation("stage", string(view.Stage))
		}
		span.End()
	}()
	return fn(ctx)
}

func (t *tracedFlow) Connect(ctx context.Context) (*flow.View, error) {
	return t.trace(ctx, "Connect", t.svc.Connect)
}

func (t *tracedFlow) Sign(ctx context.Context) (*flow.View, error) {
	return t.trace(ctx, "Sign", t.svc.Sign)
}

func (t *tracedFlow) Capture(ctx context.Context) (*flow.View, error) {
	return t.trace(ctx, "Capture", t.svc.Capture)
}

func (t *tracedFlow) Submit(ctx context.Context) (*flow.View, error) {
	return t.trace(ctx, "Submit", t.svc.Submit)
}

func (t *tracedFlow) Reset(ctx context.Context) (*flow.View, error) {
	return t.trace(ctx, "Reset", t.svc.Reset)
}

func (t *tracedFlow) AccountsChanged(ctx context.Context, accounts []string) (*flow.View, error) {
	return t.trace(ctx, "AccountsChanged", func(ctx context.Context) (*flow.View, error) {
		return t.svc.AccountsChanged(ctx, accounts)
	})
}

func (t *tracedFlow) View(ctx context.Context) *flow.View {
	return t.svc.View(ctx)
}
