package ghgovernor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// DefaultPerPage is the page size used when PaginateWithETag gets perPage <= 0.
const DefaultPerPage = 100

// PaginateWithETag walks page=1..N of a GitHub collection, sending each page's
// cached ETag. A 304 on the first page means the whole collection is
// unchanged: the result has CacheHit set and no items. The walk stops at the
// first non-200 page, at a 304 on a later page, at a malformed body, or at the
// last page. The last page is the one without a rel="next" link, or, when
// the server sends no Link header, the first page shorter than perPage.
//
// Concurrent calls for the same baseURL and perPage share a single walk,
// driven by the first caller's ctx. A caller that joins a running walk stops
// waiting when its own ctx ends and gets ctx.Err() with a nil result. An
// error from Perform is returned with the pages collected so far.
func (g *Governor) PaginateWithETag(ctx context.Context, baseURL string, perPage int) (*PaginateResult, error) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	key := baseURL + "|" + strconv.Itoa(perPage)
	res, err, shared := g.pages.Do(ctx, key, func() (*PaginateResult, error) {
		return g.paginate(ctx, baseURL, perPage)
	})
	if shared {
		g.logger.Debug("pagination shared with concurrent caller", "baseURL", baseURL, "perPage", perPage)
	}
	return res.clone(), err
}

func (g *Governor) paginate(ctx context.Context, baseURL string, perPage int) (*PaginateResult, error) {
	result := &PaginateResult{Items: []json.RawMessage{}}
	for page := 1; ; page++ {
		u := pageURL(baseURL, page, perPage)
		cacheKey := http.MethodGet + " " + u

		resp, err := g.Perform(ctx, http.MethodGet, u, nil, nil, RequestOptions{CacheKey: cacheKey})
		if err != nil {
			return result, err
		}

		if isNotModified(resp.StatusCode) {
			g.sink.OnCacheHit(cacheKey)
			if page == 1 {
				result.CacheHit = true
			}
			g.logger.Debug("page not modified", "page", page, "cacheKey", cacheKey)
			return result, nil
		}
		if resp.StatusCode != http.StatusOK {
			g.logger.Debug("pagination stopped", "page", page, "status", resp.StatusCode)
			return result, nil
		}

		result.Changed = true
		result.PageCount++

		items, err := decodePage(resp.Body)
		if err != nil {
			g.logger.Warn("malformed page, stopping pagination", "page", page, "url", u, "error", err)
			return result, nil
		}
		result.Items = append(result.Items, items...)

		if !hasNextPage(resp.Header, len(items), perPage) {
			return result, nil
		}
	}
}

func pageURL(baseURL string, page, perPage int) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + "page=" + strconv.Itoa(page) + "&per_page=" + strconv.Itoa(perPage)
}

func decodePage(body []byte) ([]json.RawMessage, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// hasNextPage prefers the Link header and falls back to the short page rule.
func hasNextPage(h http.Header, count, perPage int) bool {
	if count == 0 {
		return false
	}
	if links := h.Values("Link"); len(links) > 0 {
		return linkHasRel(links, "next")
	}
	return count >= perPage
}

// linkHasRel reports whether any RFC 8288 link value carries rel.
func linkHasRel(values []string, rel string) bool {
	for _, v := range values {
		for _, link := range strings.Split(v, ",") {
			params := strings.Split(link, ";")
			for _, p := range params[1:] {
				name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
					continue
				}
				for _, r := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
					if strings.EqualFold(r, rel) {
						return true
					}
				}
			}
		}
	}
	return false
}

func (r *PaginateResult) clone() *PaginateResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Items = append(make([]json.RawMessage, 0, len(r.Items)), r.Items...)
	return &out
}
