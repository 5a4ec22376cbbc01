package feishu

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef identifies one table inside a bitable app.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
	ViewID   string
}

func isAllowedFeishuHost(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

// IsBitableURL returns true if the url matches a supported Feishu Bitable link.
func IsBitableURL(raw string) bool {
	_, err := ParseBitableURL(raw)
	return err == nil
}

// ParseBitableURL extracts app token, table id and view id from links like
// https://example.feishu.cn/base/<app>?table=<tbl>&view=<vew>.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}

	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Hostname()) {
		return ref, errors.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url")
	}

	q := u.Query()
	ref.TableID = firstQueryValue(q, "table", "tableId", "table_id")
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}
	ref.ViewID = firstQueryValue(q, "view", "viewId", "view_id")
	return ref, nil
}

func firstQueryValue(q url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
