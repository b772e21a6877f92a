// File: internal/convert/convert.go

// Package convert renders URLs to documents over an attached page session:
// PDF, PNG screenshot, or MHTML archive. The converters drive the target
// layer only through the Executor interface.
package convert

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/pagecast/pagecast-cli/internal/cdp/client"
	"github.com/pagecast/pagecast-cli/internal/events"
	"github.com/pagecast/pagecast-cli/internal/target"
)

// Executor is the slice of the target manager the converters use.
type Executor interface {
	CreateTarget(ctx context.Context, url string) (cdptarget.ID, error)
	Attach(ctx context.Context, id cdptarget.ID, opts ...target.AttachOption) (*target.Session, error)
	CloseTarget(ctx context.Context, id cdptarget.ID) error
	Execute(ctx context.Context, id cdptarget.ID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error
}

// EventWaiter blocks until a protocol event arrives.
type EventWaiter interface {
	WaitForEvent(ctx context.Context, event string, timeout time.Duration, pred events.Predicate) (any, error)
}

// Converter renders one URL to a document.
type Converter interface {
	Convert(ctx context.Context, url string) ([]byte, error)
	// Format is the output format name, doubling as the file extension.
	Format() string
}

// Options tune a render run.
type Options struct {
	NavigationTimeout time.Duration
}

type base struct {
	exec   Executor
	waiter EventWaiter
	opts   Options
	logger *zap.Logger
}

// render opens a fresh page target, navigates it to url, runs capture
// against the attached session, and closes the target on the way out.
func (b *base) render(ctx context.Context, url string, capture func(ctx context.Context, id cdptarget.ID) ([]byte, error)) ([]byte, error) {
	id, err := b.exec.CreateTarget(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", url, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := b.exec.CloseTarget(closeCtx, id); cerr != nil {
			b.logger.Warn("Failed to close render target.",
				zap.String("target_id", string(id)), zap.Error(cerr))
		}
	}()

	sess, err := b.exec.Attach(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", url, err)
	}
	if err := b.navigate(ctx, id, sess.ID, url); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", url, err)
	}

	data, err := capture(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", url, err)
	}
	return data, nil
}

// navigate issues Page.navigate and waits for this session's load event. The
// wait is armed before the command is sent so a fast load cannot slip past
// it, and it filters on the session so concurrent renders on the shared bus
// cannot satisfy each other's waits.
func (b *base) navigate(ctx context.Context, id cdptarget.ID, sid cdptarget.SessionID, url string) error {
	timeout := b.opts.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ownLoad := func(params any) bool {
		env, ok := params.(*client.Event)
		return ok && env.SessionID == sid
	}

	type waitResult struct {
		err error
	}
	waitCh := make(chan waitResult, 1)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_, err := b.waiter.WaitForEvent(waitCtx, string(cdproto.EventPageLoadEventFired), timeout, ownLoad)
		waitCh <- waitResult{err: err}
	}()

	var res page.NavigateReturns
	if err := b.exec.Execute(ctx, id, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigating to %s: %s", url, res.ErrorText)
	}

	w := <-waitCh
	if w.err != nil {
		return fmt.Errorf("waiting for load of %s: %w", url, w.err)
	}
	return nil
}

// PDFConverter renders a page to PDF with backgrounds printed.
type PDFConverter struct{ base }

// NewPDFConverter builds the PDF converter.
func NewPDFConverter(exec Executor, waiter EventWaiter, opts Options, logger *zap.Logger) *PDFConverter {
	return &PDFConverter{base{exec: exec, waiter: waiter, opts: opts, logger: logger.Named("convert.pdf")}}
}

func (c *PDFConverter) Format() string { return "pdf" }

func (c *PDFConverter) Convert(ctx context.Context, url string) ([]byte, error) {
	return c.render(ctx, url, func(ctx context.Context, id cdptarget.ID) ([]byte, error) {
		params := page.PrintToPDF().WithPrintBackground(true)
		var res page.PrintToPDFReturns
		if err := c.exec.Execute(ctx, id, page.CommandPrintToPDF, params, &res); err != nil {
			return nil, err
		}
		return []byte(res.Data), nil
	})
}

// ImageConverter renders a page to a PNG screenshot.
type ImageConverter struct{ base }

// NewImageConverter builds the screenshot converter.
func NewImageConverter(exec Executor, waiter EventWaiter, opts Options, logger *zap.Logger) *ImageConverter {
	return &ImageConverter{base{exec: exec, waiter: waiter, opts: opts, logger: logger.Named("convert.image")}}
}

func (c *ImageConverter) Format() string { return "png" }

func (c *ImageConverter) Convert(ctx context.Context, url string) ([]byte, error) {
	return c.render(ctx, url, func(ctx context.Context, id cdptarget.ID) ([]byte, error) {
		params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		var res page.CaptureScreenshotReturns
		if err := c.exec.Execute(ctx, id, page.CommandCaptureScreenshot, params, &res); err != nil {
			return nil, err
		}
		return []byte(res.Data), nil
	})
}

// MHTMLConverter archives a page as MHTML.
type MHTMLConverter struct{ base }

// NewMHTMLConverter builds the MHTML converter.
func NewMHTMLConverter(exec Executor, waiter EventWaiter, opts Options, logger *zap.Logger) *MHTMLConverter {
	return &MHTMLConverter{base{exec: exec, waiter: waiter, opts: opts, logger: logger.Named("convert.mhtml")}}
}

func (c *MHTMLConverter) Format() string { return "mhtml" }

func (c *MHTMLConverter) Convert(ctx context.Context, url string) ([]byte, error) {
	return c.render(ctx, url, func(ctx context.Context, id cdptarget.ID) ([]byte, error) {
		params := page.CaptureSnapshot().WithFormat(page.CaptureSnapshotFormatMhtml)
		var res page.CaptureSnapshotReturns
		if err := c.exec.Execute(ctx, id, page.CommandCaptureSnapshot, params, &res); err != nil {
			return nil, err
		}
		return []byte(res.Data), nil
	})
}

// NewConverter returns the converter for a format name.
func NewConverter(format string, exec Executor, waiter EventWaiter, opts Options, logger *zap.Logger) (Converter, error) {
	switch format {
	case "pdf":
		return NewPDFConverter(exec, waiter, opts, logger), nil
	case "png":
		return NewImageConverter(exec, waiter, opts, logger), nil
	case "mhtml":
		return NewMHTMLConverter(exec, waiter, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
