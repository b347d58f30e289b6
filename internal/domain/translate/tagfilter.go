package translate

import "strings"

// maxTagLen bounds how long a '<'-prefixed run may stay buffered while we
// wait for '>'. Anything longer is plain text.
const maxTagLen = 256

// TagFilter suppresses configured container tags from a token stream.
//
// 匹配大小写不敏感, 嵌套按标签名深度计数。标签可能被切在两个 token 之间,
// 因此维护一个跨 Feed 的缓冲。流结束时未闭合的标签整体按原文放行。
type TagFilter struct {
	tags map[string]struct{}

	carry    string          // incomplete '<...' run awaiting '>'
	depths   map[string]int  // open depth per tag name
	depth    int             // total open depth
	hidden   strings.Builder // raw text swallowed since suppression began
}

// NewTagFilter 创建过滤器, tags 为需要吞掉的容器标签名
func NewTagFilter(tags []string) *TagFilter {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = struct{}{}
	}
	return &TagFilter{tags: set, depths: make(map[string]int)}
}

// Feed pushes one text fragment through the filter and returns the text
// that survives.
func (f *TagFilter) Feed(text string) string {
	if len(f.tags) == 0 {
		return text
	}

	var out strings.Builder
	s := f.carry + text
	f.carry = ""

	for len(s) > 0 {
		lt := strings.IndexByte(s, '<')
		if lt < 0 {
			f.emit(&out, s)
			break
		}
		if lt > 0 {
			f.emit(&out, s[:lt])
			s = s[lt:]
		}

		gt := strings.IndexByte(s, '>')
		if gt < 0 {
			// Might be a tag split across tokens; hold it unless it is
			// too long to ever be one.
			if len(s) <= maxTagLen {
				f.carry = s
			} else {
				f.emit(&out, s)
			}
			break
		}

		raw := s[:gt+1]
		s = s[gt+1:]

		name, closing, selfClosing := parseTag(raw)
		if _, filtered := f.tags[name]; !filtered {
			f.emit(&out, raw)
			continue
		}

		switch {
		case selfClosing:
			// 自闭合标签仅吞掉标签本身
		case closing:
			if f.depths[name] > 0 {
				f.depths[name]--
				f.depth--
				if f.depth == 0 {
					f.hidden.Reset()
				}
			}
		default:
			if f.depth == 0 {
				f.hidden.Reset()
			}
			f.hidden.WriteString(raw)
			f.depths[name]++
			f.depth++
		}
	}

	return out.String()
}

// Flush returns whatever the filter is still holding: an incomplete tag
// candidate, or the raw text of tags never closed.
func (f *TagFilter) Flush() string {
	var out string
	if f.depth > 0 {
		out = f.hidden.String()
		f.hidden.Reset()
		for k := range f.depths {
			delete(f.depths, k)
		}
		f.depth = 0
	}
	out += f.carry
	f.carry = ""
	return out
}

func (f *TagFilter) emit(out *strings.Builder, text string) {
	if f.depth > 0 {
		f.hidden.WriteString(text)
		return
	}
	out.WriteString(text)
}

// parseTag extracts the lowercased tag name and kind from a raw "<...>" run.
func parseTag(raw string) (name string, closing, selfClosing bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	if strings.HasSuffix(inner, "/") {
		selfClosing = true
		inner = strings.TrimSuffix(inner, "/")
	}
	if strings.HasPrefix(inner, "/") {
		closing = true
		inner = strings.TrimPrefix(inner, "/")
	}
	if i := strings.IndexAny(inner, " \t\n"); i >= 0 {
		inner = inner[:i]
	}
	return strings.ToLower(strings.TrimSpace(inner)), closing, selfClosing
}
