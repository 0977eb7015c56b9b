package cache

import (
	"context"
	"crypto/md5"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyFor builds the request identity used as the entry key: method plus the
// normalized URL (lowercase scheme and host, no fragment, sorted query).
func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return strings.ToUpper(method) + " "
	}

	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" && n.Host != "" {
		n.Path = "/"
	}
	if n.RawQuery != "" {
		q := n.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vals := append([]string(nil), q[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		n.RawQuery = strings.Join(parts, "&")
	}

	return strings.ToUpper(method) + " " + n.String()
}

// ValidName reports whether name can be used as a bucket name
func ValidName(name string) bool {
	if name == "" || len(name) > 200 || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\:*?\"<>|#")
}

// Name joins the app prefix and a purpose: "voice101" + "images" → "voice101-images"
func Name(prefix, purpose string) string {
	if prefix == "" {
		return purpose
	}
	return prefix + "-" + purpose
}

// DeleteByPrefix removes every bucket whose name starts with prefix and
// returns the deleted names.
func DeleteByPrefix(ctx context.Context, s Storage, prefix string) ([]string, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		ok, err := s.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete cache %s: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

// fileName maps a key to a file-safe name
func fileName(key string) string {
	hash := md5.Sum([]byte(key))
	return fmt.Sprintf("%x.json", hash)
}
