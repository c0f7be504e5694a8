package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/verdure-mcp/gateway/internal/devicesim"
	"github.com/verdure-mcp/gateway/pkg/protocol"
)

// Run connects a simulated device and shows it in a full-screen view until
// the user quits or ctx is cancelled.
func Run(ctx context.Context, opts devicesim.Options, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(opts.URL, opts.MACAddress), tea.WithAltScreen(), tea.WithContext(ctx))

	client := devicesim.NewClient(opts, func(in protocol.Inbound) {
		p.Send(InboundMsg{In: in})
	}, logger)
	client.OnState(func(connected bool, err error) {
		p.Send(StateMsg{Connected: connected, Err: err})
	})

	done := make(chan error, 1)
	go func() {
		err := client.Run(ctx)
		done <- err
		if !errors.Is(err, context.Canceled) {
			p.Quit()
		}
	}()

	_, runErr := p.Run()
	cancel()
	clientErr := <-done

	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("device view: %w", runErr)
	}
	if clientErr != nil && !errors.Is(clientErr, context.Canceled) {
		return clientErr
	}
	return nil
}
