package formats

import (
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/Jeffail/gabs/v2"
	"github.com/beevik/etree"
	"github.com/goccy/go-json"
	"github.com/icza/dyno"
	"github.com/magiconair/properties"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"

	"github.com/strongroom/strongroom/config"
)

// The structured formats the guard recognizes by file extension.
const (
	Json       = "json"
	Yaml       = "yaml"
	Xml        = "xml"
	Ini        = "ini"
	Properties = "properties"
)

// FormatFor maps a file name to the structured format its extension
// implies, or an empty string when the extension carries no structure
// worth guarding.
func FormatFor(name string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "json":
		return Json
	case "yaml", "yml":
		return Yaml
	case "xml":
		return Xml
	case "ini":
		return Ini
	case "properties":
		return Properties
	}
	return ""
}

// Guard enforces the per-format byte ceilings and the nesting depth limit
// on documents whose extension claims a structured format. It never
// interprets the content beyond what the format's own parser reports, the
// point is only to refuse documents engineered to exhaust a downstream
// consumer.
type Guard struct {
	limits config.SizeLimits
}

func NewGuard(limits config.SizeLimits) *Guard {
	return &Guard{limits: limits}
}

// Check parses b as the format implied by the file name and enforces the
// configured byte ceiling and nesting depth for it. Names without a
// recognized extension pass untouched, as do empty bodies, which have no
// structure to measure. Content that its own parser refuses fails closed,
// nothing can be proven about the nesting of bytes that do not parse.
func (g *Guard) Check(name string, b []byte) error {
	format := FormatFor(name)
	if format == "" || len(b) == 0 {
		return nil
	}
	if err := g.checkBytes(format, int64(len(b))); err != nil {
		return err
	}

	switch format {
	case Json:
		return g.checkJson(b)
	case Yaml:
		return g.checkYaml(b)
	case Xml:
		return g.checkXml(b)
	case Ini:
		return g.checkIni(b)
	case Properties:
		return g.checkProperties(b)
	}
	return nil
}

// ceilingFor returns the byte ceiling for a format. JSON and XML carry
// their own independent limits, everything else falls back to the generic
// single file ceiling.
func (g *Guard) ceilingFor(format string) int64 {
	switch format {
	case Json:
		return g.limits.MaxJsonSize
	case Xml:
		return g.limits.MaxXmlSize
	}
	return g.limits.MaxFileSize
}

func (g *Guard) checkBytes(format string, n int64) error {
	limit := g.ceilingFor(format)
	if limit <= 0 || n <= limit {
		return nil
	}
	return newTooLargeError(format, n, limit)
}

func (g *Guard) checkDepth(format string, depth int) error {
	max := g.limits.MaxNestingDepth
	if max <= 0 || depth <= max {
		return nil
	}
	return newTooDeepError(format, depth, max)
}

func (g *Guard) checkJson(b []byte) error {
	c, err := gabs.ParseJSON(b)
	if err != nil {
		return newMalformedError(Json, err)
	}
	return g.checkDepth(Json, depthOf(c.Data()))
}

// checkYaml converts the document into plain JSON containers before
// measuring it, so YAML and JSON nesting are judged by the same walk.
func (g *Guard) checkYaml(b []byte) error {
	var v interface{}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return newMalformedError(Yaml, err)
	}
	jb, err := json.Marshal(dyno.ConvertMapI2MapS(v))
	if err != nil {
		return newMalformedError(Yaml, err)
	}
	c, err := gabs.ParseJSON(jb)
	if err != nil {
		return newMalformedError(Yaml, err)
	}
	return g.checkDepth(Yaml, depthOf(c.Data()))
}

func (g *Guard) checkXml(b []byte) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(b); err != nil {
		return newMalformedError(Xml, err)
	}
	root := doc.Root()
	if root == nil {
		return newMalformedError(Xml, errors.New("document has no root element"))
	}
	return g.checkDepth(Xml, elementDepth(root))
}

func (g *Guard) checkIni(b []byte) error {
	if _, err := ini.Load(b); err != nil {
		return newMalformedError(Ini, err)
	}
	return nil
}

func (g *Guard) checkProperties(b []byte) error {
	if _, err := properties.Load(b, properties.UTF8); err != nil {
		return newMalformedError(Properties, err)
	}
	return nil
}

// depthOf measures how many container levels a decoded JSON document
// nests. A scalar is depth zero, an object or array counts one level plus
// whatever its deepest member nests.
func depthOf(v interface{}) int {
	deepest := 0
	switch t := v.(type) {
	case map[string]interface{}:
		for _, c := range t {
			if d := depthOf(c); d > deepest {
				deepest = d
			}
		}
	case []interface{}:
		for _, c := range t {
			if d := depthOf(c); d > deepest {
				deepest = d
			}
		}
	default:
		return 0
	}
	return deepest + 1
}

// elementDepth measures how many element levels an XML tree nests, the
// root element itself being one.
func elementDepth(e *etree.Element) int {
	deepest := 0
	for _, c := range e.ChildElements() {
		if d := elementDepth(c); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}
