package approval

import (
	"context"

	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

// tracedStore opens a child span around the store calls made while acting on
// a request.
type tracedStore struct {
	Store
}

func (s tracedStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	ctx, span := observability.StartSpan(ctx, "store.get",
		observability.AttrStoreOp.String("get"),
		observability.AttrApprovalID.String(id),
	)
	req, err := s.Store.Get(ctx, id)
	observability.EndSpanWithError(span, err)
	return req, err
}

func (s tracedStore) Update(ctx context.Context, req model.ApprovalRequest) error {
	ctx, span := observability.StartSpan(ctx, "store.update",
		observability.AttrStoreOp.String("update"),
		observability.AttrApprovalID.String(req.ID),
	)
	err := s.Store.Update(ctx, req)
	observability.EndSpanWithError(span, err)
	return err
}

func (s tracedStore) AppendLog(ctx context.Context, entry model.ApprovalLog) error {
	ctx, span := observability.StartSpan(ctx, "store.append_log",
		observability.AttrStoreOp.String("append_log"),
		observability.AttrApprovalID.String(entry.ApprovalID),
	)
	err := s.Store.AppendLog(ctx, entry)
	observability.EndSpanWithError(span, err)
	return err
}
