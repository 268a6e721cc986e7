package server

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
)

// TestBrowserPaintsPreview drives the shell page in headless Chrome and checks
// that editor changes end up in the frame's document.
func TestBrowserPaintsPreview(t *testing.T) {
	if os.Getenv("LIVEPREVIEW_E2E") != "1" {
		t.Skip("set LIVEPREVIEW_E2E=1 to run browser tests")
	}

	env := newTestEnv(t, nil)
	created := env.create(t, `{"resourceKey":"pages","id":"1","locale":"en"}`)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancelAlloc()
	ctx, cancelCtx := chromedp.NewContext(allocCtx, chromedp.WithLogf(t.Logf))
	defer cancelCtx()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	require.NoError(t, chromedp.Run(ctx,
		chromedp.Navigate(env.http.URL+created.Frame),
		chromedp.WaitReady("#lp-surface", chromedp.ByID),
	))

	editor := env.dial(t, "/ws/editor/"+created.ID)
	send(t, editor, "loading", map[string]bool{"form": false})
	readUntil(t, editor, stateIs("ready"))
	send(t, editor, "data", map[string]any{"title": "From the browser"})

	surfaceHTML := func() string {
		var html string
		err := chromedp.Run(ctx, chromedp.Evaluate(
			`(function(){ var d = document.getElementById("lp-surface").contentDocument; return d && d.body ? d.body.innerHTML : ""; })()`,
			&html))
		if err != nil {
			return ""
		}
		return html
	}
	require.Eventually(t, func() bool {
		return strings.Contains(surfaceHTML(), "<h1>From the browser</h1>")
	}, 10*time.Second, 100*time.Millisecond)

	send(t, editor, "device", "tablet")
	require.Eventually(t, func() bool {
		var device string
		err := chromedp.Run(ctx, chromedp.AttributeValue(".lp-viewport", "data-device", &device, nil, chromedp.ByQuery))
		return err == nil && device == "tablet"
	}, 10*time.Second, 100*time.Millisecond)
}
