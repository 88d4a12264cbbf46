package portal

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	totalCountPattern = regexp.MustCompile(`var\s+totalResultCount\s*=\s*'(\d+)'`)
	goodsInfoPattern  = regexp.MustCompile(`javascript:fnGoodsInfo\('(\d+)','N'\)`)
)

// formField matches <input name="NAME" ... value="..."> as rendered by the detail page.
func formField(name string) *regexp.Regexp {
	return regexp.MustCompile(`name="` + regexp.QuoteMeta(name) + `"[^>]*value="([^"]*)"`)
}

// detailFields are echoed back unchanged on a price update.
var detailFields = []string{
	"f_goods_name",
	"f_goods_spec",
	"f_goods_unit",
	"f_vendor_item_code",
	"f_goods_code",
}

var (
	pricePattern        = formField("f_estimate_amt")
	detailFieldPatterns = func() map[string]*regexp.Regexp {
		m := make(map[string]*regexp.Regexp, len(detailFields))
		for _, f := range detailFields {
			m[f] = formField(f)
		}
		return m
	}()
)

// isLoginPage reports whether body or the final URL belongs to the login wall.
func isLoginPage(finalURL string, body []byte) bool {
	return strings.Contains(finalURL, "Login.do") || strings.Contains(string(body), "Login.do")
}

// searchPage is one parsed page of the deadline search.
type searchPage struct {
	Total int
	IDs   []string
}

func parseSearchPage(body []byte) (searchPage, error) {
	m := totalCountPattern.FindSubmatch(body)
	if m == nil {
		return searchPage{}, ErrUnexpectedPage
	}
	total, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return searchPage{}, ErrUnexpectedPage
	}

	page := searchPage{Total: total}
	seen := make(map[string]struct{})
	for _, match := range goodsInfoPattern.FindAllSubmatch(body, -1) {
		id := string(match[1])
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		page.IDs = append(page.IDs, id)
	}
	return page, nil
}

// listingDetail is the subset of the detail form needed to update a listing.
type listingDetail struct {
	Price  int64
	Fields map[string]string
}

func parseDetail(id string, body []byte) (listingDetail, error) {
	m := pricePattern.FindSubmatch(body)
	if m == nil {
		return listingDetail{}, ErrListingNotFound
	}
	raw := strings.ReplaceAll(strings.TrimSpace(string(m[1])), ",", "")
	price, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return listingDetail{}, ErrListingNotFound
	}

	d := listingDetail{Price: price, Fields: make(map[string]string, len(detailFields))}
	for name, re := range detailFieldPatterns {
		if fm := re.FindSubmatch(body); fm != nil {
			d.Fields[name] = html.UnescapeString(string(fm[1]))
		}
	}
	if d.Fields["f_goods_code"] == "" {
		d.Fields["f_goods_code"] = id
	}
	return d, nil
}
