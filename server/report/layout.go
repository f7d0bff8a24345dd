package report

import (
	"fmt"
)

// A4 portrait, millimetres.
const (
	pageWidth = 210.0
	centerX   = 105.0

	gridX         = 10.0
	gridY         = 120.0
	imageWidth    = 90.0
	imageHeight   = 60.0
	imageSpacing  = 10.0
	imagesPerRow  = 2
	maxImageY     = 230.0
	continuationY = 40.0

	findingsWidth      = 180.0
	findingsLineHeight = 7.0
	textWidth          = 190.0
	textLineHeight     = 5.0

	footerY     = 280.0
	footerTextY = 286.0
	// body text is kept clear of the footer band
	bodyLimit = 275.0
)

type Color struct{ R, G, B int }

var (
	black      = Color{0, 0, 0}
	white      = Color{255, 255, 255}
	headerBlue = Color{0, 51, 102}
	barRed     = Color{255, 0, 0}
	barBlue    = Color{0, 0, 255}
	footerBlue = Color{24, 185, 232}
)

type OpKind int

const (
	OpText OpKind = iota
	OpRect
	OpImage
)

// Op is one drawing instruction. Text ops use X as the left edge unless
// Centered is set, in which case X is the centre.
type Op struct {
	Kind     OpKind
	X, Y     float64
	W, H     float64
	Text     string
	Size     float64
	Color    Color
	Centered bool
	// Image indexes Document.Images.
	Image int
}

type Page struct {
	Ops []Op
}

// Branding is the letterhead printed on the report.
type Branding struct {
	HospitalName     string
	Tagline          string
	Phone            string
	Email            string
	Address          string
	EmergencyContact string
}

// Document is the fully resolved content of one report.
type Document struct {
	Branding        Branding
	PatientName     string
	PatientID       string
	PatientAge      string
	Gender          string
	RadiologistName string
	RadiologistID   string
	Date            string
	Time            string
	Images          []Image
	Findings        string
	Recommendations string
	Disclaimer      string
	Comments        string
}

// Splitter wraps text to width millimetres at the given font size.
type Splitter func(text string, width, size float64) []string

type planner struct {
	doc   *Document
	split Splitter
	pages []Page
}

// Layout places every element of doc on pages. It is independent of the
// PDF backend except for text measurement.
func Layout(doc *Document, split Splitter) []Page {
	p := &planner{doc: doc, split: split}

	p.addPage()
	p.header()
	p.patientBlock()
	p.imageGrid()

	p.addPage()
	p.header()
	p.closingPage()

	p.footers()
	return p.pages
}

func (p *planner) addPage() {
	p.pages = append(p.pages, Page{})
}

func (p *planner) add(op Op) {
	last := &p.pages[len(p.pages)-1]
	last.Ops = append(last.Ops, op)
}

func (p *planner) text(x, y, size float64, color Color, s string) {
	p.add(Op{Kind: OpText, X: x, Y: y, Size: size, Color: color, Text: s})
}

func (p *planner) centered(y, size float64, color Color, s string) {
	p.add(Op{Kind: OpText, X: centerX, Y: y, Size: size, Color: color, Text: s, Centered: true})
}

func (p *planner) header() {
	b := p.doc.Branding
	p.centered(15, 14, headerBlue, b.HospitalName)
	p.centered(22, 12, headerBlue, b.Tagline)
	p.centered(30, 12, headerBlue, "Phone: "+b.Phone)
	p.centered(37, 12, headerBlue, "Email: "+b.Email)
	p.centered(44, 12, headerBlue, b.Address)

	p.add(Op{Kind: OpRect, X: 0, Y: 47, W: pageWidth, H: 3, Color: barRed})
	p.add(Op{Kind: OpRect, X: 0, Y: 50, W: pageWidth, H: 3, Color: barBlue})
}

func (p *planner) patientBlock() {
	d := p.doc
	p.text(75, 60, 16, black, "Patient Scan Report")

	p.text(10, 70, 12, black, "Patient Name: "+d.PatientName)
	p.text(10, 80, 12, black, "Patient ID: "+d.PatientID)
	p.text(10, 90, 12, black, "Age: "+d.PatientAge)
	p.text(10, 100, 12, black, "Gender: "+d.Gender)

	p.text(120, 70, 12, black, "Radiologist Name: "+d.RadiologistName)
	p.text(120, 80, 12, black, "Radiologist ID: "+d.RadiologistID)
	p.text(120, 90, 12, black, "Date: "+d.Date)
	p.text(120, 100, 12, black, "Time: "+d.Time)

	p.text(10, 110, 12, black, "Ultrasound Scan Images:")
}

// imageGrid draws the images two per row. The findings block follows every
// second image; when the last image completes no pair, it follows the grid.
func (p *planner) imageGrid() {
	x, y := gridX, gridY
	findingsDrawn := false

	for i := range p.doc.Images {
		if y+imageHeight > maxImageY {
			p.addPage()
			x, y = gridX, continuationY
		}

		p.add(Op{Kind: OpImage, X: x, Y: y, W: imageWidth, H: imageHeight, Image: i})
		x += imageWidth + imageSpacing

		if (i+1)%imagesPerRow == 0 {
			x = gridX
			y += imageHeight + imageSpacing
			y = p.findings(y+10) + imageSpacing
			findingsDrawn = true
		}
	}

	switch {
	case len(p.doc.Images)%imagesPerRow != 0:
		p.findings(y + imageHeight + imageSpacing + 10)
	case !findingsDrawn:
		p.findings(y)
	}
}

// findings draws the findings block starting at y and returns the y below
// it.
func (p *planner) findings(y float64) float64 {
	lines := p.split(p.doc.Findings, findingsWidth, 12)
	if y+float64(len(lines))*findingsLineHeight > footerY {
		p.addPage()
		y = continuationY
	}

	p.text(10, y, 12, black, "Findings:")
	lineY := y + 5
	for _, line := range lines {
		p.text(10, lineY, 12, black, line)
		lineY += findingsLineHeight
	}
	return lineY
}

// closingPage draws recommendations, disclaimer, comments and the
// signature block. Without page breaks the positions match the fixed
// letter layout: disclaimer at 50+5*rec+20, comments 20 below the
// disclaimer, signature 30 below the comments.
func (p *planner) closingPage() {
	d := p.doc

	recEnd := p.lines(p.split(d.Recommendations, textWidth, 12), 65)

	disclaimerY := p.reserve(recEnd+5, 2*textLineHeight)
	p.text(10, disclaimerY, 12, black, "Disclaimer:")
	disclaimerEnd := p.lines(p.split(d.Disclaimer, textWidth, 12), disclaimerY+5)

	commentsEnd := p.lines(p.split("Doctor's Comments : "+d.Comments, textWidth, 12), disclaimerEnd+15)

	underlineY := p.reserve(commentsEnd+5, textLineHeight)
	p.text(10, underlineY, 12, black, "__")

	signatureY := p.reserve(underlineY+20, 15)
	p.text(10, signatureY, 12, black, "Name of Doctor:"+d.RadiologistName)
	p.text(10, signatureY+10, 12, black, "Medical Id:"+d.RadiologistID)
}

// reserve returns y, or the top of a new page when height would not fit
// above the footer.
func (p *planner) reserve(y, height float64) float64 {
	if y+height > bodyLimit {
		p.addPage()
		return continuationY
	}
	return y
}

// lines draws wrapped lines from y, continuing on new pages as needed, and
// returns the y after the last line.
func (p *planner) lines(lines []string, y float64) float64 {
	for _, line := range lines {
		y = p.reserve(y, textLineHeight)
		p.text(10, y, 12, black, line)
		y += textLineHeight
	}
	return y
}

func (p *planner) footers() {
	for i := range p.pages {
		page := &p.pages[i]
		page.Ops = append(page.Ops,
			Op{Kind: OpRect, X: 0, Y: footerY, W: pageWidth, H: 10, Color: footerBlue},
			Op{
				Kind:     OpText,
				X:        centerX,
				Y:        footerTextY,
				Size:     10,
				Color:    white,
				Centered: true,
				Text: fmt.Sprintf("Page %d || %s || EMERGENCY CONTACT - %s",
					i+1, p.doc.Branding.HospitalName, p.doc.Branding.EmergencyContact),
			})
	}
}
