package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	contentTypesPath    = "[Content_Types].xml"
	docxDocumentXMLPath = "word/document.xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
	pptxSlidePathPrefix = "ppt/slides/slide"
	odfContentPath      = "content.xml"
)

var (
	// text runs: <w:t> in Word, <a:t> in PowerPoint
	wtTag = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	atTag = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)

	// main document part, with PartName before or after ContentType
	partNameRe  = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	partNameRe2 = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)

	odfTextP    = regexp.MustCompile(`<text:p[^>]*>([^<]*)</text:p>`)
	odfTextSpan = regexp.MustCompile(`<text:span[^>]*>([^<]*)</text:span>`)
	odfTextH    = regexp.MustCompile(`<text:h[^>]*>([^<]*)</text:h>`)
)

// officePackage is an opened zip container (OOXML or OpenDocument).
type officePackage struct {
	format string
	zr     *zip.Reader
}

func openPackage(format string, content []byte) (*officePackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", format, err)
	}
	return &officePackage{format: format, zr: zr}, nil
}

// read returns the bytes of the named entry, or nil when the entry does not exist.
func (p *officePackage) read(name string) ([]byte, error) {
	for _, f := range p.zr.File {
		if f.Name != name {
			continue
		}
		return p.readFile(f)
	}
	return nil, nil
}

func (p *officePackage) readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("extract %s: open %s: %w", p.format, f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("extract %s: read %s: %w", p.format, f.Name, err)
	}
	return b, nil
}

// mustRead is read for entries the format cannot do without.
func (p *officePackage) mustRead(name string) ([]byte, error) {
	b, err := p.read(name)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("extract %s: %s not found", p.format, name)
	}
	return b, nil
}

// textCollector joins regexp captures with single spaces.
type textCollector struct {
	b strings.Builder
}

func (c *textCollector) collect(xml string, patterns ...*regexp.Regexp) {
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(xml, -1) {
			if c.b.Len() > 0 {
				c.b.WriteByte(' ')
			}
			c.b.WriteString(strings.TrimSpace(m[1]))
		}
	}
}

func (c *textCollector) String() string {
	return strings.TrimSpace(c.b.String())
}

// mainDocumentPath reads the main part from [Content_Types].xml, falling back to
// word/document.xml. Some producers name it document2.xml and so on.
func mainDocumentPath(p *officePackage) string {
	ct, err := p.read(contentTypesPath)
	if err != nil || ct == nil {
		return docxDocumentXMLPath
	}
	for _, re := range []*regexp.Regexp{partNameRe, partNameRe2} {
		if m := re.FindSubmatch(ct); len(m) > 1 {
			return strings.TrimPrefix(string(m[1]), "/")
		}
	}
	return docxDocumentXMLPath
}

// extractDOCX collects every <w:t> run regardless of paragraph attributes.
func extractDOCX(content []byte) (string, error) {
	p, err := openPackage("DOCX", content)
	if err != nil {
		return "", err
	}
	doc, err := p.mustRead(mainDocumentPath(p))
	if err != nil {
		return "", err
	}
	var c textCollector
	c.collect(string(doc), wtTag)
	return c.String(), nil
}

// extractPPTX collects <a:t> runs of every slide in archive order.
func extractPPTX(content []byte) (string, error) {
	p, err := openPackage("PPTX", content)
	if err != nil {
		return "", err
	}
	var c textCollector
	for _, f := range p.zr.File {
		if !strings.HasPrefix(f.Name, pptxSlidePathPrefix) || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		slide, err := p.readFile(f)
		if err != nil {
			return "", err
		}
		c.collect(string(slide), atTag)
	}
	return c.String(), nil
}

func extractODF(format string, content []byte, patterns ...*regexp.Regexp) (string, error) {
	p, err := openPackage(format, content)
	if err != nil {
		return "", err
	}
	xml, err := p.mustRead(odfContentPath)
	if err != nil {
		return "", err
	}
	var c textCollector
	c.collect(string(xml), patterns...)
	return c.String(), nil
}

func extractODP(content []byte) (string, error) {
	return extractODF("ODP", content, odfTextP, odfTextSpan, odfTextH)
}

func extractODS(content []byte) (string, error) {
	return extractODF("ODS", content, odfTextP, odfTextSpan)
}

func extractODT(content []byte) (string, error) {
	return extractODF("ODT", content, odfTextH, odfTextP, odfTextSpan)
}
