package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MaxGroupNumber is the largest number that fits the two-digit field.
const MaxGroupNumber = 99

// Artifact is a single file of the project tree decomposed by the grammar.
type Artifact struct {
	// Dir is the directory holding the file. For a project tree this is the group directory.
	Dir string

	ProjectID        string
	ProductCode      string
	GroupNumber      int
	SourceDescriptor string

	// Qualifiers are any tokens after the source descriptor, e.g. "D20" in
	// CHOWN05_DEM00_LDR2014_D20.tif. They are never carried into derived names.
	Qualifiers []string

	// Ext is the file extension without the leading dot.
	Ext string
}

// DescriptorMode selects the source descriptor written into a composed name.
type DescriptorMode int

const (
	// Inherit copies the input's own source descriptor.
	Inherit DescriptorMode = iota
	// Upstream uses the input's product token (code + number) as the descriptor.
	Upstream
)

func (m DescriptorMode) String() string {
	switch m {
	case Inherit:
		return "inherit"
	case Upstream:
		return "upstream"
	default:
		return fmt.Sprintf("DescriptorMode(%d)", int(m))
	}
}

var (
	codePattern      = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	resolutionSuffix = regexp.MustCompile(`^D([0-9]+)$`)
	disambiguator    = regexp.MustCompile(`^v[0-9]+$`)
)

// Parse decomposes path into an Artifact.
//
// The product token must end in exactly two digits; everything before them is
// the product code. A name with fewer than three tokens, an empty token, or a
// product token without the numeric suffix is rejected.
func Parse(path string) (Artifact, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext == "" || ext == "." {
		return Artifact{}, malformedf(base, "missing file extension")
	}
	stem := strings.TrimSuffix(base, ext)

	tokens := strings.Split(stem, "_")
	if len(tokens) < 3 {
		return Artifact{}, malformedf(base, "expected at least 3 underscore-delimited tokens, got %d", len(tokens))
	}
	for i, tok := range tokens {
		if tok == "" {
			return Artifact{}, malformedf(base, "empty token at position %d", i)
		}
	}

	code, num, ok := SplitToken(tokens[1])
	if !ok {
		return Artifact{}, malformedf(base, "product token %q must be a code followed by two digits", tokens[1])
	}

	var qualifiers []string
	if len(tokens) > 3 {
		qualifiers = append([]string(nil), tokens[3:]...)
	}

	return Artifact{
		Dir:              filepath.Dir(path),
		ProjectID:        tokens[0],
		ProductCode:      code,
		GroupNumber:      num,
		SourceDescriptor: tokens[2],
		Qualifiers:       qualifiers,
		Ext:              ext[1:],
	}, nil
}

// SplitToken splits a product token such as "D8AREA00" into its code and
// two-digit number. ok is false if tok does not have that shape.
func SplitToken(tok string) (code string, number int, ok bool) {
	if len(tok) < 3 {
		return "", 0, false
	}
	digits := tok[len(tok)-2:]
	if !isDigit(digits[0]) || !isDigit(digits[1]) {
		return "", 0, false
	}
	code = tok[:len(tok)-2]
	if !codePattern.MatchString(code) {
		return "", 0, false
	}
	return code, int(digits[0]-'0')*10 + int(digits[1]-'0'), true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ProductToken returns the product code joined with the zero-padded group number.
func (a Artifact) ProductToken() string {
	return fmt.Sprintf("%s%02d", a.ProductCode, a.GroupNumber)
}

// Name rebuilds the file name.
func (a Artifact) Name() string {
	var b strings.Builder
	b.WriteString(a.ProjectID)
	b.WriteByte('_')
	b.WriteString(a.ProductToken())
	b.WriteByte('_')
	b.WriteString(a.SourceDescriptor)
	for _, q := range a.Qualifiers {
		b.WriteByte('_')
		b.WriteString(q)
	}
	b.WriteByte('.')
	b.WriteString(a.Ext)
	return b.String()
}

// Path joins Dir and Name.
func (a Artifact) Path() string { return filepath.Join(a.Dir, a.Name()) }

// String returns Path.
func (a Artifact) String() string { return a.Path() }

// DescriptorCode returns the product code embedded in the source descriptor,
// e.g. "ORD" for a descriptor of "ORD00". ok is false when the descriptor is not
// a product token (raw source names such as "SRC2020" or "LDR2014" still parse
// as tokens; callers that care compare against known codes).
func (a Artifact) DescriptorCode() (string, bool) {
	code, _, ok := SplitToken(a.SourceDescriptor)
	return code, ok
}

// Resolution returns the cell size encoded as a "D{n}" qualifier, if present.
func (a Artifact) Resolution() (int, bool) {
	for _, q := range a.Qualifiers {
		m := resolutionSuffix.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

// Compose builds the artifact for productCode inside destGroupDir, inheriting
// the project id and source descriptor of in. The group number comes from the
// destination directory name.
func Compose(in Artifact, productCode, ext, destGroupDir string) (Artifact, error) {
	return ComposeWith(in, productCode, ext, destGroupDir, Inherit)
}

// ComposeWith is Compose with an explicit descriptor mode.
func ComposeWith(in Artifact, productCode, ext, destGroupDir string, mode DescriptorMode) (Artifact, error) {
	g, err := ParseGroup(filepath.Base(destGroupDir))
	if err != nil {
		return Artifact{}, fmt.Errorf("destination group: %w", err)
	}
	return compose(in, productCode, ext, destGroupDir, g.Number, mode)
}

// Sibling builds the artifact for productCode in the same directory and with
// the same group number as in.
func Sibling(in Artifact, productCode, ext string, mode DescriptorMode) (Artifact, error) {
	return compose(in, productCode, ext, in.Dir, in.GroupNumber, mode)
}

func compose(in Artifact, productCode, ext, dir string, number int, mode DescriptorMode) (Artifact, error) {
	if !codePattern.MatchString(productCode) {
		return Artifact{}, malformedf(productCode, "product code must be non-empty and alphanumeric")
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || strings.ContainsAny(ext, `./\_`) {
		return Artifact{}, malformedf(ext, "invalid extension")
	}
	if number < 0 || number > MaxGroupNumber {
		return Artifact{}, malformedf(productCode, "group number %d does not fit two digits", number)
	}

	descriptor := in.SourceDescriptor
	if mode == Upstream {
		descriptor = in.ProductToken()
	}

	return Artifact{
		Dir:              dir,
		ProjectID:        in.ProjectID,
		ProductCode:      productCode,
		GroupNumber:      number,
		SourceDescriptor: descriptor,
		Ext:              ext,
	}, nil
}

// Disambiguate returns a copy of a whose trailing "v{n}" qualifier is set to n.
// Any existing disambiguator is replaced; other qualifiers are kept.
func Disambiguate(a Artifact, n int) Artifact {
	q := make([]string, 0, len(a.Qualifiers)+1)
	for _, v := range a.Qualifiers {
		if disambiguator.MatchString(v) {
			continue
		}
		q = append(q, v)
	}
	q = append(q, fmt.Sprintf("v%d", n))
	a.Qualifiers = q
	return a
}
