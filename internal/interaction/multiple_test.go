// internal/interaction/multiple_test.go
package interaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/adprobe/api/schemas"
	"github.com/xkilldash9x/adprobe/internal/mocks"
)

func threeAds() (*mocks.FakeBrowser, []*mocks.FakeElement, schemas.WindowHandle) {
	first := mocks.El("div", map[string]string{"class": "ad-1"}, schemas.Geometry{X: 0, Y: 0, Width: 300, Height: 250})
	first.OnClick = mocks.OpensWindow("https://one.test/?utm_source=a")
	broken := mocks.El("div", map[string]string{"class": "ad-2"}, schemas.Geometry{X: 0, Y: 300, Width: 300, Height: 250})
	broken.Hidden = true
	third := mocks.El("div", map[string]string{"class": "ad-3"}, schemas.Geometry{X: 0, Y: 600, Width: 728, Height: 90})
	third.OnClick = mocks.OpensWindow("https://three.test/")

	b := mocks.NewFakeBrowser(startURL, first, broken, third)
	original, _ := b.CurrentWindow(context.Background())
	return b, []*mocks.FakeElement{first, broken, third}, original
}

func candidatesOf(els []*mocks.FakeElement) []schemas.AdCandidate {
	out := make([]schemas.AdCandidate, len(els))
	for i, el := range els {
		out[i] = candidateFor(el)
	}
	return out
}

func TestTestMultiple_ContinuesPastFailures(t *testing.T) {
	b, els, original := threeAds()
	c := newController(t, b, testConfig(), nil)

	results, err := c.TestMultiple(context.Background(), candidatesOf(els), 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "https://one.test/?utm_source=a", results[0].DestinationURL)
	assert.Equal(t, schemas.ReasonNotVisible, results[1].FailureReason)
	assert.Equal(t, "https://three.test/", results[2].DestinationURL)
	assertRestored(t, b, original)
}

func TestTestMultiple_MaxCount(t *testing.T) {
	b, els, _ := threeAds()
	c := newController(t, b, testConfig(), nil)

	results, err := c.TestMultiple(context.Background(), candidatesOf(els), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, els[0].Ref(), results[0].Candidate.Element)

	all, err := c.TestMultiple(context.Background(), candidatesOf(els), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "zero means no limit")

	none, err := c.TestMultiple(context.Background(), nil, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTestMultiple_StopsOnSessionLoss(t *testing.T) {
	b, els, _ := threeAds()
	els[0].OnClick = func(b *mocks.FakeBrowser) {
		b.Fail("AllWindows", schemas.ErrSessionLost)
	}
	c := newController(t, b, testConfig(), nil)

	results, err := c.TestMultiple(context.Background(), candidatesOf(els), 3)
	assert.ErrorIs(t, err, schemas.ErrSessionLost)
	assert.Len(t, results, 1, "results gathered so far are returned")
}

func TestTestMultiple_CancelledBetweenCandidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, els, original := threeAds()
	// The first attempt returns at once; cancellation lands while the
	// limiter holds back the second one.
	els[0].OnClick = nil
	els[0].Hidden = true
	cfg := testConfig()
	cfg.MinInterval = 50 * time.Millisecond
	c := newController(t, b, cfg, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results, err := c.TestMultiple(ctx, candidatesOf(els), 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assertRestored(t, b, original)
}

func TestTestMultiple_Paced(t *testing.T) {
	b, els, _ := threeAds()
	cfg := testConfig()
	cfg.MinInterval = 30 * time.Millisecond
	c := newController(t, b, cfg, nil)

	// Only the hidden candidate, so every attempt returns immediately.
	hidden := []schemas.AdCandidate{candidateFor(els[1]), candidateFor(els[1]), candidateFor(els[1])}
	start := time.Now()
	results, err := c.TestMultiple(context.Background(), hidden, 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func redirectThenPopup() []*mocks.FakeElement {
	first := mocks.El("div", map[string]string{"class": "ad-1"}, schemas.Geometry{X: 0, Y: 0, Width: 300, Height: 250})
	first.OnClick = mocks.NavigatesTo("https://shop.test/")
	second := mocks.El("div", map[string]string{"class": "ad-2"}, schemas.Geometry{X: 0, Y: 300, Width: 300, Height: 250})
	second.OnClick = mocks.OpensWindow("https://two.test/")
	return []*mocks.FakeElement{first, second}
}

func TestTestMultiple_RefreshAfterSameWindowRedirect(t *testing.T) {
	els := redirectThenPopup()
	b := mocks.NewFakeBrowser(startURL, els...)
	b.AddPage(startURL, redirectThenPopup)
	c := newController(t, b, testConfig(), nil)

	refreshes := 0
	c.SetRefresh(func(ctx context.Context, remaining []schemas.AdCandidate) ([]schemas.AdCandidate, error) {
		refreshes++
		refs, err := b.FindElements(ctx, "div")
		if err != nil {
			return nil, err
		}
		out := append([]schemas.AdCandidate(nil), remaining...)
		for _, ref := range refs {
			g, err := b.GetGeometry(ctx, ref)
			if err != nil {
				return nil, err
			}
			for i := range out {
				if out[i].Geometry == g {
					out[i].Element = ref
				}
			}
		}
		return out, nil
	})

	results, err := c.TestMultiple(context.Background(), candidatesOf(els), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, refreshes)

	assert.Equal(t, schemas.NavigationSameWindowRedirect, results[0].NavigationKind)
	assert.Equal(t, schemas.NavigationNewWindow, results[1].NavigationKind)
	assert.Equal(t, "https://two.test/", results[1].DestinationURL)
	assert.NotEqual(t, els[1].Ref(), results[1].Candidate.Element)
}

func TestTestMultiple_StaleWithoutRefresh(t *testing.T) {
	els := redirectThenPopup()
	b := mocks.NewFakeBrowser(startURL, els...)
	b.AddPage(startURL, redirectThenPopup)
	c := newController(t, b, testConfig(), nil)

	results, err := c.TestMultiple(context.Background(), candidatesOf(els), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, schemas.ReasonStaleElement, results[1].FailureReason)
}

func TestTestMultiple_RefreshErrors(t *testing.T) {
	t.Run("transient error keeps old references", func(t *testing.T) {
		els := redirectThenPopup()
		b := mocks.NewFakeBrowser(startURL, els...)
		b.AddPage(startURL, redirectThenPopup)
		c := newController(t, b, testConfig(), nil)
		c.SetRefresh(func(context.Context, []schemas.AdCandidate) ([]schemas.AdCandidate, error) {
			return nil, schemas.ErrStaleElement
		})

		results, err := c.TestMultiple(context.Background(), candidatesOf(els), 0)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("session loss stops the run", func(t *testing.T) {
		els := redirectThenPopup()
		b := mocks.NewFakeBrowser(startURL, els...)
		b.AddPage(startURL, redirectThenPopup)
		c := newController(t, b, testConfig(), nil)
		c.SetRefresh(func(context.Context, []schemas.AdCandidate) ([]schemas.AdCandidate, error) {
			return nil, schemas.ErrSessionLost
		})

		results, err := c.TestMultiple(context.Background(), candidatesOf(els), 0)
		assert.ErrorIs(t, err, schemas.ErrSessionLost)
		assert.Len(t, results, 1)
	})
}

// selfClosingPopups closes every new window as soon as the controller tries to
// look at it, or right after switching into it when afterSwitch is set.
type selfClosingPopups struct {
	*mocks.FakeBrowser
	original    schemas.WindowHandle
	afterSwitch bool
}

func (p *selfClosingPopups) SwitchToWindow(ctx context.Context, handle schemas.WindowHandle) error {
	if handle == p.original {
		return p.FakeBrowser.SwitchToWindow(ctx, handle)
	}
	if !p.afterSwitch {
		p.CloseWindow(handle)
		return p.FakeBrowser.SwitchToWindow(ctx, handle)
	}
	if err := p.FakeBrowser.SwitchToWindow(ctx, handle); err != nil {
		return err
	}
	p.CloseWindow(handle)
	return nil
}

func TestTestMultiple_PopupClosesItself(t *testing.T) {
	for _, tc := range []struct {
		name        string
		afterSwitch bool
	}{
		{"before switch", false},
		{"after switch", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, els, original := threeAds()
			c := newController(t, &selfClosingPopups{FakeBrowser: b, original: original, afterSwitch: tc.afterSwitch}, testConfig(), nil)

			results, err := c.TestMultiple(context.Background(), candidatesOf(els), 0)
			require.NoError(t, err)
			require.Len(t, results, 3, "every candidate is attempted")

			for _, i := range []int{0, 2} {
				assert.True(t, results[i].ClickSucceeded)
				assert.Equal(t, schemas.NavigationNewWindow, results[i].NavigationKind)
				assert.Equal(t, schemas.ReasonNavigationFailed, results[i].FailureReason)
				assert.Empty(t, results[i].DestinationURL)
			}
			assert.Equal(t, schemas.ReasonNotVisible, results[1].FailureReason)
			assertRestored(t, b, original)
		})
	}
}
