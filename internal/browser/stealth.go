package browser

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// localeScript aligns the navigator locale with a Korean desktop browser.
// go-rod/stealth covers the webdriver and plugin evasions.
const localeScript = `
(function() {
    Object.defineProperty(navigator, 'language', { get: () => 'ko-KR', configurable: true });
    Object.defineProperty(navigator, 'languages', { get: () => ['ko-KR', 'ko', 'en-US', 'en'], configurable: true });
    Object.defineProperty(navigator, 'platform', { get: () => 'Win32', configurable: true });
})();
`

// NewPage opens a page on b. With stealthMode the go-rod/stealth evasions and
// the locale patch are applied before any document loads.
func NewPage(b *rod.Browser, userAgent string, stealthMode bool) (*rod.Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if stealthMode {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, err
	}

	if stealthMode {
		if _, err := page.EvalOnNewDocument(localeScript); err != nil {
			_ = page.Close()
			return nil, err
		}
	}

	if userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      userAgent,
			AcceptLanguage: "ko-KR,ko;q=0.9,en-US;q=0.8",
		}); err != nil {
			_ = page.Close()
			return nil, err
		}
	}
	return page, nil
}
