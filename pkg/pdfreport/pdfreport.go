// Package pdfreport renders a PDF summary of an image's detection results.
package pdfreport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"imagedetect/pkg/store"
)

// ErrReportFailed is returned when PDF generation fails.
var ErrReportFailed = errors.New("PDF report generation failed")

// Build renders an A4 summary for one image record: metadata, NSFW flag and
// a table of detected objects.
func Build(rec *store.ImageRecord) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Detection Report - Image %d", rec.ImageID), true)
	pdf.SetAuthor("imagedetect", true)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Detection Report: %s", rec.Name), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Image ID: %d", rec.ImageID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Storage path: %s", rec.StoragePath), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Processed: %t", rec.IsProcessed), "", 1, "L", false, 0, "")
	if rec.IsProcessed {
		pdf.CellFormat(0, 6, fmt.Sprintf("Annotated image: %s", rec.ProcessedImagePath), "", 1, "L", false, 0, "")
		pdf.CellFormat(0, 6, fmt.Sprintf("NSFW flagged: %t (%d findings)", rec.IsNSFW, len(rec.DetectedNSFW)), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 8, fmt.Sprintf("Detected objects (%d)", len(rec.DetectedObjects)), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(50, 7, "Class", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 7, "Confidence", "1", 0, "R", true, 0, "")
	pdf.CellFormat(100, 7, "Box (x1, y1, x2, y2)", "1", 1, "L", true, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for _, det := range rec.DetectedObjects {
		pdf.CellFormat(50, 7, det.Class, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 7, fmt.Sprintf("%.2f", det.Confidence), "1", 0, "R", false, 0, "")
		box := fmt.Sprintf("%.1f, %.1f, %.1f, %.1f", det.Box[0], det.Box[1], det.Box[2], det.Box[3])
		pdf.CellFormat(100, 7, box, "1", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportFailed, err)
	}
	return buf.Bytes(), nil
}
