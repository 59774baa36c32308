package processor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"code.sajari.com/docconv/v2"
	"github.com/ledongthuc/pdf"

	"github.com/developer-mesh/docmesh/internal/models"
)

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// ErrNoText is returned when a document yields no readable text
var ErrNoText = errors.New("no text content extracted")

// ParseText converts raw document bytes into plain text
func ParseText(sourceType models.SourceType, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch sourceType {
	case models.SourcePDF:
		text, err = parsePDF(data)
	case models.SourceDOCX:
		text, err = parseDOCX(data)
	case models.SourceTXT, models.SourceWebpage, models.SourceVideo:
		text = strings.ToValidUTF8(string(data), "")
	default:
		return "", fmt.Errorf("unsupported source type %q", sourceType)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w from %s document", ErrNoText, sourceType)
	}
	return text, nil
}

func parsePDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to create PDF reader: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to extract text from page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func parseDOCX(data []byte) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), docxMimeType, false)
	if err != nil {
		return "", fmt.Errorf("failed to convert Word document: %w", err)
	}
	return res.Body, nil
}
