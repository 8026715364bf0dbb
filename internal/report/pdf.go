package report

import (
	"io"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rotisserie/eris"
)

const (
	pdfMargin     = 18.0
	pdfLineHeight = 5.5
	pdfKeyWidth   = 45.0
)

// PDF renders doc as an A4 PDF. The core Helvetica font is used, so text is
// translated to cp1252 and characters outside it are dropped.
func PDF(doc Document, w io.Writer) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("dossier", true)
	pdf.SetCreationDate(time.Unix(0, 0).UTC())
	pdf.SetCatalogSort(true)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 6, tr(doc.Title), "", 0, "L", false, 0, "")
		pdf.SetX(pdfMargin)
		pdf.CellFormat(0, 6, "Page "+strconv.Itoa(pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetTextColor(0, 0, 0)
	pdf.MultiCell(0, 9, tr(doc.Title), "", "L", false)
	pdf.Ln(2)
	writeRows(pdf, tr, doc.Meta)
	pdf.Ln(4)

	for _, blk := range doc.Blocks {
		switch blk.Kind {
		case BlockHeading:
			size := 14.0
			if blk.Level > 2 {
				size = 12
			}
			pdf.Ln(3)
			pdf.SetFont("Helvetica", "B", size)
			pdf.SetTextColor(20, 40, 90)
			pdf.MultiCell(0, 8, tr(blk.Text), "B", "L", false)
			pdf.SetTextColor(0, 0, 0)
			pdf.Ln(2)
		case BlockParagraph:
			if blk.Label != "" {
				pdf.SetFont("Helvetica", "B", 10)
				pdf.MultiCell(0, pdfLineHeight, tr(blk.Label), "", "L", false)
			}
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, pdfLineHeight, tr(blk.Text), "", "L", false)
			pdf.Ln(2)
		case BlockBullets:
			if blk.Label != "" {
				pdf.SetFont("Helvetica", "B", 10)
				pdf.MultiCell(0, pdfLineHeight, tr(blk.Label), "", "L", false)
			}
			pdf.SetFont("Helvetica", "", 10)
			for _, it := range blk.Items {
				pdf.CellFormat(5, pdfLineHeight, tr("•"), "", 0, "L", false, 0, "")
				pdf.MultiCell(0, pdfLineHeight, tr(plainItem(it)), "", "L", false)
			}
			pdf.Ln(2)
		case BlockRows:
			writeRows(pdf, tr, blk.Rows)
			pdf.Ln(2)
		case BlockNote:
			pdf.SetFont("Helvetica", "I", 9)
			pdf.SetTextColor(90, 90, 90)
			pdf.MultiCell(0, pdfLineHeight, tr(blk.Text), "", "L", false)
			pdf.SetTextColor(0, 0, 0)
			pdf.Ln(1)
		}
	}

	if err := pdf.Error(); err != nil {
		return eris.Wrap(err, "report: layout pdf")
	}
	if err := pdf.Output(w); err != nil {
		return eris.Wrap(err, "report: write pdf")
	}
	return nil
}

func writeRows(pdf *fpdf.Fpdf, tr func(string) string, rows []Row) {
	for _, r := range rows {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(pdfKeyWidth, pdfLineHeight, tr(r.Key), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, pdfLineHeight, tr(r.Value), "", "L", false)
	}
}

func plainItem(it Item) string {
	s := it.Text
	if it.Title != "" {
		s = it.Title
		if it.Text != "" {
			s += ": " + it.Text
		}
	}
	if it.Source != "" {
		s += " [" + it.Source + "]"
	}
	return s
}
