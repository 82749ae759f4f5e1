package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/go-appsec/wrm/wrm/service/sniff"
)

// SniffStage tags the connection protocol and replaces Conn with a replaying
// view so later stages see the peeked bytes. A peer that closes before
// sending anything ends the pipeline quietly.
func SniffStage() Stage {
	return StageFunc(func(ctx context.Context, cc *Context, next Handler) error {
		proto, rc, err := sniff.Sniff(ctx, cc.Conn)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		cc.Protocol = proto
		cc.Conn = rc
		return next(ctx, cc)
	})
}
