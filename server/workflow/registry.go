// Package workflow holds the static per-workflow configuration: which
// classifier classes count as a detection and which texts go into the
// report.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/setv/ultrascan/server/models"
)

var ErrUnknownWorkflow = errors.New("unknown workflow")

const (
	PlacentalDetection    = "Placental-Detection"
	FetusLocation         = "Fetus-Location"
	OrganLocation         = "Organ-Location"
	OrganAssessment       = "Organ-Assessment"
	FetalEchocardiography = "Fetal-Echocardioghraphy"
	FetalBrainAbnormality = "Fetal-Brain-Abnormality"
)

const (
	FallbackDisclaimer = "no abnormalities found"

	NoFindings = "No abnormalities detected"

	DefaultRecommendations = "No definitive findings were identified during the current evaluation.  Clinical correlation is recommended.  Physician validation and further investigation, as deemed necessary, should be pursued."

	correlation = "\n\nCorrelation:\n\nWe always recommend correlating with clinical history,maternal conditions such as preeclampsia or gestational diabetes, previous pregnancy history, and routine ultrasound findings.Additionally, consider prenatal blood tests and genetic screening for further assessment of placental and fetal health.\nIF REQUIRED"

	clinicalAttention = "The observations indicate fetal abnormalities that require immediate clinical attention. Follow-up diagnostic tests and maternal history correlation are essential to confirm findings and plan appropriate interventions"

	skullFinding = "The  %d ultrasound cross-section view demonstrates radiological findings indicative of Normalize Features as fetal skull type: %s\n\n"
)

type Workflow struct {
	Name            string
	ValidClasses    []string
	Disclaimer      string
	Recommendations string
	// FindingFormat is applied per selected frame with its 1-based position
	// and the comma-joined class names.
	FindingFormat string

	allowed map[string]struct{}
}

var registry = map[string]*Workflow{
	PlacentalDetection: {
		Name:         PlacentalDetection,
		ValidClasses: []string{"baby", "feto", "placenta", "tip"},
		Disclaimer: "\n    - The observations from the scans do not indicate any immediate placental abnormalities, including placental insufficiency, abnormal placental position, or abnormal attachment to the uterine wall.\n" +
			"    - Clinical correlation with the patient's medical history, physical examination, and additional diagnostic tests, such as Doppler ultrasound and fetal MRI, is essential to confirm the presence of placental-related issues.\n" +
			"    - Further investigations, including amniocentesis or placental biopsy, may be required for a more detailed diagnosis in cases of suspected placental abnormalities or fetal complications.\n  ",
		Recommendations: "Recommendations:\n\n1. Ultrasound (Transabdominal & Transvaginal) - Determines placental location and detects placenta previa.\n\n2. Doppler Ultrasound – Assesses placental blood flow and function.",
		FindingFormat:   "The UltraSound scan %d demonstrates ultrasound findings consistent with second trimester placental detection and has detected the following classes: %s\n\n",
	},
	FetusLocation: {
		Name:            FetusLocation,
		ValidClasses:    []string{"fetal skull", "abnormality"},
		Disclaimer:      clinicalAttention,
		Recommendations: "Recommendations:\n\n1. Ultrasound (Obstetric Sonography) – Determines fetal position and detects abnormalities.\n\n2. Transvaginal Ultrasound – More precise for early pregnancy fetal location.\n\n3. MRI (Magnetic Resonance Imaging) – Used when ultrasound findings are unclear.",
		FindingFormat:   skullFinding,
	},
	OrganLocation: {
		Name: OrganLocation,
		ValidClasses: []string{
			"CM", "IT", "NT", "midbrain", "nasal bone", "nasal skin", "nasal tip", "palate",
		},
		Disclaimer:      clinicalAttention,
		Recommendations: "Recommendations:\n\n1. Detailed Anomaly Scan (Level 2 Ultrasound / Targeted Ultrasound) – Performed at 18-22 weeks to assess fetal organ placement.\n\n2. 3D/4D Ultrasound – Provides a more detailed anatomical view.\n",
		FindingFormat:   "The %d ultrasound cross-section view demonstrates radiological findings indicative of [Normal/Abnormal] features.for Oragan Location : %s\n\n",
	},
	OrganAssessment: {
		Name:            OrganAssessment,
		ValidClasses:    []string{"Aorta", "Confluence", "Rib", "Spine", "Stomach"},
		Disclaimer:      clinicalAttention,
		Recommendations: "Recommendations:\n\n1. Fetal MRI – Provides detailed imaging of fetal organs when ultrasound is inconclusive.\n\n2. Doppler Ultrasound – Evaluates blood flow in organs like the liver, kidneys, and brain.",
		FindingFormat:   "The %d ultrasound cross-section view demonstrates radiological findings indicative of [Normal/Abnormal] features.for Oragan Assesement : %s\n\n",
	},
	FetalEchocardiography: {
		Name:            FetalEchocardiography,
		ValidClasses:    []string{"Aorta", "Flows", "Other", "V sign"},
		Disclaimer:      clinicalAttention,
		Recommendations: "Recommendations:\n\n1. Fetal Echocardiogram (Fetal Echo) – Specialized ultrasound for assessing the fetal heart.\n\n2. Doppler Ultrasound – Assesses blood flow in the fetal heart and major vessels.\n\n3. MRI (Fetal Cardiac MRI, if needed) – Used in rare cases for additional cardiac imaging.",
		FindingFormat:   "The %d ultrasound cross-section view demonstrates radiological findings indicative of Normalize Features in the aortic arch, as visualized by fetal echocardiography : %s\n\n",
	},
	FetalBrainAbnormality: {
		Name: FetalBrainAbnormality,
		ValidClasses: []string{
			"anold chiari malformation",
			"arachnoid cyst",
			"cerebellah hypoplasia",
			"cisterna magna",
			"colphocephaly",
			"encephalocele",
			"holoprosencephaly",
			"hydracenphaly",
			"intracranial hemorrdge",
			"intracranial tumor",
			"mild ventriculomegaly",
			"moderate ventriculomegaly",
			"polencephaly",
			"severe ventriculomegaly",
		},
		Disclaimer:      clinicalAttention,
		Recommendations: "Recommendations:\n\n1. Neurosonography (Fetal Brain Ultrasound) – Detailed assessment of brain structures.\n\n2. Fetal MRI – Provides high-resolution images of fetal brain abnormalities (e.g., ventriculomegaly, hydrocephalus).\n\n3. Doppler Ultrasound – Evaluates blood flow in cerebral arteries.",
		FindingFormat:   skullFinding,
	},
}

func init() {
	for _, w := range registry {
		w.allowed = make(map[string]struct{}, len(w.ValidClasses))
		for _, class := range w.ValidClasses {
			w.allowed[class] = struct{}{}
		}
	}
}

func Lookup(name string) (*Workflow, error) {
	w, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return w, nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisclaimerFor returns the disclaimer of the named workflow, or the
// generic one when the name is not registered.
func DisclaimerFor(name string) string {
	if w, ok := registry[name]; ok {
		return w.Disclaimer
	}
	return FallbackDisclaimer
}

// Allows reports whether any of the class names is on the allow-list.
func (w *Workflow) Allows(classNames []string) bool {
	for _, class := range classNames {
		if _, ok := w.allowed[class]; ok {
			return true
		}
	}
	return false
}

// Findings renders one finding paragraph per selected detection.
func (w *Workflow) Findings(selection []models.Detection) string {
	if len(selection) == 0 {
		return NoFindings
	}

	var b strings.Builder
	for i, d := range selection {
		classes := strings.Join(d.ClassNames, ",")
		if classes == "" {
			classes = "N/A"
		}
		fmt.Fprintf(&b, w.FindingFormat, i+1, classes)
	}
	return b.String()
}

func (w *Workflow) RecommendationsFor(selection []models.Detection) string {
	if len(selection) == 0 {
		return DefaultRecommendations
	}
	return w.Recommendations + correlation
}
