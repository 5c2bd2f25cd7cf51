// Package bridge runs the signer protocol over one transport endpoint: the
// remote side serves a signer service, the host side connects a client.
// Both add the verified handshake on top of the ready signal.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/bus"
	"github.com/Crossmint/signer-bridge-go/pkg/handshake"
	"github.com/Crossmint/signer-bridge-go/pkg/handshake/verifiedHandshake"
	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/client"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/service"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"go.uber.org/zap"
)

const DefaultAnnounceInterval = 500 * time.Millisecond

type Options struct {
	// Channel configures the channel wrapping the endpoint. nil accepts only
	// the endpoint's target origin.
	Channel *transport.ChannelConfig

	HandshakeTimeout time.Duration
	// HandshakeInterval paces ready announcements on the remote and
	// verification resends on the host.
	HandshakeInterval time.Duration
	RequestTimeout    time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		HandshakeTimeout:  handshake.DefaultTimeout,
		HandshakeInterval: DefaultAnnounceInterval,
		RequestTimeout:    rpc.DefaultTimeout,
	}
	if o == nil {
		return out
	}
	out.Channel = o.Channel
	if o.HandshakeTimeout > 0 {
		out.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.HandshakeInterval > 0 {
		out.HandshakeInterval = o.HandshakeInterval
	}
	if o.RequestTimeout > 0 {
		out.RequestTimeout = o.RequestTimeout
	}
	return out
}

// Serve runs svc on ep until ep or ctx closes, and takes ownership of ep.
// Readiness is re-announced until a host completes the verified handshake,
// so a host that subscribes late still connects.
func Serve(ctx context.Context, ep transport.Endpoint, svc *service.Service, opts *Options, logger *zap.Logger) error {
	if ep == nil {
		return fmt.Errorf("endpoint cannot be nil")
	}
	if svc == nil {
		return fmt.Errorf("signer service is required")
	}
	if logger == nil {
		return fmt.Errorf("logger is required")
	}
	o := opts.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := transport.NewChannel(ep, o.Channel, logger)
	if err != nil {
		_ = ep.Close()
		return err
	}
	defer func() { _ = ch.Close() }()

	connected := handshake.Accept(ch)
	incoming, outgoing, err := verifiedHandshake.MergeChild(communications.RemoteContracts())
	if err != nil {
		return err
	}
	b, err := bus.New(connected, incoming, outgoing, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	server, err := svc.Serve(b)
	if err != nil {
		return err
	}
	defer server.Close()

	child, err := verifiedHandshake.NewChild(b, &verifiedHandshake.Options{Timeout: o.HandshakeTimeout}, logger)
	if err != nil {
		return err
	}
	verified := make(chan struct{})
	go func() {
		for ctx.Err() == nil {
			if err := child.HandshakeWithParent(ctx); err != nil {
				if ch.Closed() || errors.Is(err, bus.ErrBusClosed) {
					return
				}
				logger.Sugar().Debugw("Verified handshake not completed, retrying", "error", err)
				select {
				case <-b.Done():
					return
				case <-time.After(o.HandshakeInterval):
				}
				continue
			}
			close(verified)
			return
		}
	}()

	announce := time.NewTicker(o.HandshakeInterval)
	defer announce.Stop()
	for {
		if err := handshake.AnnounceReady(ctx, connected); err != nil {
			return err
		}
		select {
		case <-verified:
			logger.Sugar().Infow("Host connected", "target_origin", ep.TargetOrigin())
			select {
			case <-ch.Done():
			case <-ctx.Done():
			}
			return nil
		case <-announce.C:
		case <-ch.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Session is a connected host.
type Session struct {
	Client *client.Client

	channel *transport.Channel
	bus     *bus.Bus
}

// Close releases the client, the bus and the endpoint.
func (s *Session) Close() {
	s.Client.Close()
	_ = s.bus.Close()
	_ = s.channel.Close()
}

// Done is closed once the endpoint is gone.
func (s *Session) Done() <-chan struct{} { return s.channel.Done() }

// Connect waits for the remote on ep to announce readiness, verifies the
// connection with a round trip and returns a signer client on top of it.
// It takes ownership of ep.
func Connect(ctx context.Context, ep transport.Endpoint, verifier *attestation.Verifier, opts *Options, logger *zap.Logger) (*Session, error) {
	if ep == nil {
		return nil, fmt.Errorf("endpoint cannot be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("attestation verifier is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	o := opts.withDefaults()

	ch, err := transport.NewChannel(ep, o.Channel, logger)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}

	connected, err := handshake.NewCoordinator(logger).Establish(ctx, ch, o.HandshakeTimeout)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	incoming, outgoing, err := verifiedHandshake.MergeParent(communications.HostContracts())
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	b, err := bus.New(connected, incoming, outgoing, logger)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	fail := func(err error) (*Session, error) {
		_ = b.Close()
		_ = ch.Close()
		return nil, err
	}

	correlator, err := rpc.NewCorrelator(b, logger)
	if err != nil {
		return fail(err)
	}
	parent, err := verifiedHandshake.NewParent(b, correlator, &verifiedHandshake.Options{
		Timeout:  o.HandshakeTimeout,
		Interval: o.HandshakeInterval,
	}, logger)
	if err != nil {
		return fail(err)
	}
	if err := parent.HandshakeWithChild(ctx); err != nil {
		return fail(err)
	}

	sc, err := client.New(b, verifier, logger, rpc.WithDefaultTimeout(o.RequestTimeout))
	if err != nil {
		return fail(err)
	}
	return &Session{Client: sc, channel: ch, bus: b}, nil
}
