// Package report renders the patient scan report PDF.
package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/workflow"
	"go.uber.org/zap"
)

var dataURIPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// Image is a decoded report image. Type is the fpdf image type.
type Image struct {
	Data []byte
	Type string
}

// Input is what the operator submits for a report. Empty findings and
// recommendations are generated from the selection and the workflow.
type Input struct {
	Patient         models.Patient
	Radiologist     models.Radiologist
	Workflow        string
	Selection       []models.Detection
	Findings        string
	Recommendations string
	Comments        string
	Date            string
	Time            string
}

type Assembler struct {
	branding Branding
	logger   *zap.Logger
	now      func() time.Time
}

func NewAssembler(branding Branding, logger *zap.Logger) *Assembler {
	return &Assembler{branding: branding, logger: logger, now: time.Now}
}

// Document resolves in into the content of the report.
func (a *Assembler) Document(in Input) *Document {
	findings, recommendations := in.Findings, in.Recommendations
	disclaimer := workflow.DisclaimerFor(in.Workflow)

	if wf, err := workflow.Lookup(in.Workflow); err == nil {
		if strings.TrimSpace(findings) == "" {
			findings = wf.Findings(in.Selection)
		}
		if strings.TrimSpace(recommendations) == "" {
			recommendations = wf.RecommendationsFor(in.Selection)
		}
	}
	if strings.TrimSpace(findings) == "" {
		findings = workflow.NoFindings
	}
	if strings.TrimSpace(recommendations) == "" {
		recommendations = workflow.DefaultRecommendations
	}

	now := a.now()
	date, clock := in.Date, in.Time
	if date == "" {
		date = now.Format("02/01/2006")
	}
	if clock == "" {
		clock = now.Format("15:04:05")
	}

	gender := in.Patient.Gender
	if gender == "" {
		gender = "female"
	}

	return &Document{
		Branding:        a.branding,
		PatientName:     in.Patient.Name,
		PatientID:       in.Patient.ID,
		PatientAge:      in.Patient.Age,
		Gender:          gender,
		RadiologistName: in.Radiologist.Name,
		RadiologistID:   in.Radiologist.ID,
		Date:            date,
		Time:            clock,
		Images:          a.images(in.Selection),
		Findings:        findings,
		Recommendations: recommendations,
		Disclaimer:      disclaimer,
		Comments:        in.Comments,
	}
}

// images decodes the annotated images of the selection, skipping those
// that are not a PNG or JPEG.
func (a *Assembler) images(selection []models.Detection) []Image {
	var images []Image
	for _, d := range selection {
		if d.AnnotatedImage == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(dataURIPrefix.ReplaceAllString(d.AnnotatedImage, ""))
		if err != nil {
			a.logger.Warn("Skipping undecodable report image", zap.String("detection_id", d.ID), zap.Error(err))
			continue
		}
		_, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			a.logger.Warn("Skipping unsupported report image", zap.String("detection_id", d.ID), zap.Error(err))
			continue
		}
		imageType := "PNG"
		if format == "jpeg" {
			imageType = "JPG"
		}
		images = append(images, Image{Data: data, Type: imageType})
	}
	return images
}

// Assemble builds the report of in and returns the PDF bytes.
func (a *Assembler) Assemble(in Input) ([]byte, error) {
	return a.Render(a.Document(in))
}

func (a *Assembler) Render(doc *Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.SetCellMargin(0)
	pdf.SetFont("Helvetica", "", 12)
	pdf.SetTitle("Patient Scan Report", false)
	pdf.SetCreator(doc.Branding.HospitalName, false)

	split := func(text string, width, size float64) []string {
		pdf.SetFontSize(size)
		return pdf.SplitText(Sanitize(text), width)
	}

	for i, img := range doc.Images {
		pdf.RegisterImageOptionsReader(imageName(i), fpdf.ImageOptions{ImageType: img.Type}, bytes.NewReader(img.Data))
	}

	for _, page := range Layout(doc, split) {
		pdf.AddPage()
		for _, op := range page.Ops {
			a.draw(pdf, op)
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Assembler) draw(pdf *fpdf.Fpdf, op Op) {
	switch op.Kind {
	case OpText:
		text := Sanitize(op.Text)
		pdf.SetFontSize(op.Size)
		pdf.SetTextColor(op.Color.R, op.Color.G, op.Color.B)
		x := op.X
		if op.Centered {
			x -= pdf.GetStringWidth(text) / 2
		}
		pdf.Text(x, op.Y, text)

	case OpRect:
		pdf.SetFillColor(op.Color.R, op.Color.G, op.Color.B)
		pdf.Rect(op.X, op.Y, op.W, op.H, "F")

	case OpImage:
		pdf.ImageOptions(imageName(op.Image), op.X, op.Y, op.W, op.H, false, fpdf.ImageOptions{}, 0, "")
	}
}

func imageName(i int) string {
	return fmt.Sprintf("frame-%d", i)
}
