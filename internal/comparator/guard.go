// Package comparator protects numeric comparison operators (>, <, >=, <=)
// while text passes through an LLM. Operators are swapped for opaque
// numbered tokens before the call and restored afterwards; the verify
// helpers detect tokens the model dropped, invented or mangled.
package comparator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Token kinds.
const (
	KindGE = "GE"
	KindLE = "LE"
	KindGT = "GT"
	KindLT = "LT"
)

var (
	reSpacedGE   = regexp.MustCompile(`>\s*=`)
	reSpacedLE   = regexp.MustCompile(`<\s*=`)
	reCorruptGE  = regexp.MustCompile(`>\s*[/∕／]\s*(\d)`)
	reCorruptLE  = regexp.MustCompile(`<\s*[/∕／]\s*(\d)`)
	reCompound   = regexp.MustCompile(`>=|<=`)
	reBare       = regexp.MustCompile(`(?m)(^|[^A-Za-z0-9@.%])(\s*)(>|<)(\s*)([0-9])`)
	reToken      = regexp.MustCompile(`@@CMP_(?:GE|LE|GT|LT)_[0-9]{4}@@`)
	reFragment   = regexp.MustCompile(`@?@CMP_[A-Z0-9_]{1,10}@?@`)
	reSalvage    = regexp.MustCompile(`@?@CMP_(GE|LE|GT|LT)[A-Z0-9_]*@?@`)
	reZeroWidth  = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}]`)
	reDrifted    = regexp.MustCompile(`@+\s*CMP[\s_]*?(GE|LE|GT|LT)[\s_]*?(\d{4})\s*@+`)
	unicodeFolds = strings.NewReplacer("≥", ">=", "≤", "<=")
)

// Normalize rewrites every known comparator spelling (Unicode, spaced,
// OCR-corrupted "> /5") to ASCII >, <, >=, <=. Corrupted forms are only
// healed when a digit follows, so HTML closing tags survive.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	out := unicodeFolds.Replace(text)
	out = reSpacedGE.ReplaceAllString(out, ">=")
	out = reSpacedLE.ReplaceAllString(out, "<=")
	out = reCorruptGE.ReplaceAllString(out, ">=$1")
	out = reCorruptLE.ReplaceAllString(out, "<=$1")
	return out
}

// LockSet locks one or more texts belonging to the same LLM request. All
// texts share one sequence counter, so a token is unique across the whole
// request and Unlock restores any of them.
type LockSet struct {
	counter   int
	originals map[string]string
	order     []string
}

// NewLockSet returns an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{originals: make(map[string]string)}
}

// Lock normalizes text and replaces its comparators with tokens. >= and <=
// are locked everywhere first; bare > and < only when a digit follows and
// the operator does not sit inside a word, number, percentage or an
// existing token.
func (s *LockSet) Lock(text string) string {
	if text == "" {
		return ""
	}
	out := reCompound.ReplaceAllStringFunc(Normalize(text), func(op string) string {
		if op == ">=" {
			return s.issue(KindGE, op)
		}
		return s.issue(KindLE, op)
	})

	matches := reBare.FindAllStringSubmatchIndex(out, -1)
	if len(matches) == 0 {
		return out
	}
	var b strings.Builder
	b.Grow(len(out) + len(matches)*16)
	last := 0
	for _, m := range matches {
		b.WriteString(out[last:m[0]])
		prefix := out[m[2]:m[3]]
		ws1 := out[m[4]:m[5]]
		op := out[m[6]:m[7]]
		ws2 := out[m[8]:m[9]]
		digit := out[m[10]:m[11]]
		kind := KindGT
		if op == "<" {
			kind = KindLT
		}
		b.WriteString(prefix)
		b.WriteString(ws1)
		b.WriteString(s.issue(kind, op))
		b.WriteString(ws2)
		b.WriteString(digit)
		last = m[1]
	}
	b.WriteString(out[last:])
	return b.String()
}

func (s *LockSet) issue(kind, op string) string {
	s.counter++
	token := fmt.Sprintf("@@CMP_%s_%04d@@", kind, s.counter)
	s.originals[token] = op
	s.order = append(s.order, token)
	return token
}

// Tokens returns every token issued so far, in issue order.
func (s *LockSet) Tokens() []string {
	return append([]string(nil), s.order...)
}

// Contains reports whether token was issued by this set.
func (s *LockSet) Contains(token string) bool {
	_, ok := s.originals[token]
	return ok
}

// Unlock restores every known token in text. Unknown tokens are left as-is.
func (s *LockSet) Unlock(text string) string {
	if text == "" || len(s.order) == 0 {
		return text
	}
	sorted := s.Tokens()
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	pairs := make([]string, 0, len(sorted)*2)
	for _, tok := range sorted {
		pairs = append(pairs, tok, s.originals[tok])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Locked is the result of locking a single text.
type Locked struct {
	Text   string
	Tokens []string
	set    *LockSet
}

// Unlock restores the tokens issued for this text.
func (l Locked) Unlock(text string) string {
	if l.set == nil {
		return text
	}
	return l.set.Unlock(text)
}

// Lock locks a single text with a fresh lock set.
func Lock(text string) Locked {
	set := NewLockSet()
	locked := set.Lock(text)
	return Locked{Text: locked, Tokens: set.Tokens(), set: set}
}

// Presence is the result of VerifyAllPresent.
type Presence struct {
	OK      bool
	Missing []string
}

// VerifyAllPresent fails when any token is absent from output.
func VerifyAllPresent(output string, tokens []string) Presence {
	var missing []string
	for _, tok := range tokens {
		if !strings.Contains(output, tok) {
			missing = append(missing, tok)
		}
	}
	return Presence{OK: len(missing) == 0, Missing: missing}
}

// Subset is the result of VerifySubset.
type Subset struct {
	OK         bool
	Used       []string
	Unknown    []string
	Suspicious []string
}

// VerifySubset allows output to omit expected tokens but not to invent new
// ones or emit malformed look-alikes.
func VerifySubset(output string, expected []string) Subset {
	known := make(map[string]struct{}, len(expected))
	for _, tok := range expected {
		known[tok] = struct{}{}
	}
	res := Subset{Used: ExtractTokens(output)}
	for _, tok := range res.Used {
		if _, ok := known[tok]; !ok {
			res.Unknown = append(res.Unknown, tok)
		}
	}
	for _, frag := range reFragment.FindAllString(output, -1) {
		if !reToken.MatchString(frag) {
			res.Suspicious = append(res.Suspicious, frag)
		}
	}
	res.OK = len(res.Unknown) == 0 && len(res.Suspicious) == 0
	return res
}

// ExtractTokens returns the distinct well-formed tokens in text, in order of
// first appearance.
func ExtractTokens(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range reToken.FindAllString(text, -1) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Canonical is the result of Canonicalize.
type Canonical struct {
	Text    string
	Changed int
}

// Canonicalize repairs token drift (full-width @, zero-width characters,
// stray spacing or underscores) without changing which operator a token
// stands for.
func Canonicalize(text string) Canonical {
	if text == "" {
		return Canonical{}
	}
	changed := 0

	out := strings.ReplaceAll(text, "＠", "@")
	if out != text {
		changed++
	}
	stripped := reZeroWidth.ReplaceAllString(out, "")
	if stripped != out {
		changed++
	}

	out = reDrifted.ReplaceAllStringFunc(stripped, func(m string) string {
		sub := reDrifted.FindStringSubmatch(m)
		canonical := "@@CMP_" + sub[1] + "_" + sub[2] + "@@"
		if m != canonical {
			changed++
		}
		return canonical
	})
	return Canonical{Text: out, Changed: changed}
}

// Salvaged is the result of Salvage.
type Salvaged struct {
	Text     string
	Replaced int
}

// Salvage replaces anything that still looks like a token with its best
// guess ASCII operator, so raw token text never reaches a reader.
func Salvage(text string) Salvaged {
	if !strings.Contains(text, "CMP_") {
		return Salvaged{Text: text}
	}
	replaced := 0
	out := reSalvage.ReplaceAllStringFunc(text, func(m string) string {
		replaced++
		switch {
		case strings.Contains(m, KindGE):
			return ">="
		case strings.Contains(m, KindLE):
			return "<="
		case strings.Contains(m, KindGT):
			return ">"
		default:
			return "<"
		}
	})
	return Salvaged{Text: out, Replaced: replaced}
}
