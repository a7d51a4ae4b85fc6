package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

// BridgePresenter implements domain.BlockPresenter by sending overlay
// commands to the platform bridge. The platform side owns the
// back-resistance and home-redirect-on-dismiss behavior of the surface;
// this side only triggers it.
type BridgePresenter struct {
	client *BridgeClient
	logger *zap.Logger
}

// NewBridgePresenter creates a presenter over the bridge command socket.
func NewBridgePresenter(client *BridgeClient, logger *zap.Logger) *BridgePresenter {
	return &BridgePresenter{client: client, logger: logger}
}

// ShowBlock presents the block overlay for a decision.
func (p *BridgePresenter) ShowBlock(_ context.Context, d domain.Decision) error {
	_, err := p.client.Send(bridgeCommand{
		Op:      "show_block",
		Package: d.App,
		Reason:  string(d.Reason),
		URL:     d.URL,
		Label:   d.MatchedLabel,
		Minutes: d.MinutesUsed,
	})
	return err
}

// RedirectHome forces a navigation to the home screen.
func (p *BridgePresenter) RedirectHome(_ context.Context) error {
	_, err := p.client.Send(bridgeCommand{Op: "go_home"})
	return err
}

// Ensure BridgePresenter implements domain.BlockPresenter.
var _ domain.BlockPresenter = (*BridgePresenter)(nil)
