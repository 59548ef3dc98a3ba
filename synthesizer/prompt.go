package synthesizer

import (
	"fmt"
	"sort"
	"strings"

	"cxr-report-pipeline/models"
)

const promptSystem = `You are an experienced and detail-oriented radiologist interpreting chest X-ray (CXR) images based on AI-analyzed results. Produce a concise, objective CXR report using short sentences and standard reporting conventions. Read and digest each feature section of the AI-analyzed results before writing the corresponding part of your report.

Rules:
- Structure the report under exactly two headers: FINDINGS and IMPRESSION.
- Use typical CXR terminology and follow the category order of the input.
- Write one short, clear sentence per line.
- Do not use the terms 'low risk', 'middle risk', or 'high risk'.
- For low-risk items, only mention them if clinically relevant.
- For middle-risk items, mention the item and suggest further investigation.
- For high-risk items, mention the item and use definitive language.
- When all items in a category are low risk, use the standard negative sentence for that category.
- Omit 'patient' as a subject, omit a report title, and omit explanations.
- Use 'No' for negative findings.`

// riskBand buckets a probe score the way the upstream linear-probe
// descriptions do: low below 0.3, middle below 0.7, high otherwise.
func riskBand(score float64) string {
	switch {
	case score < 0.3:
		return "low"
	case score < 0.7:
		return "middle"
	default:
		return "high"
	}
}

// categoryOrder fixes the section order of the score table sent to the model.
var categoryOrder = []string{
	"Lung",
	"Mediastinum",
	"Bone",
	"Cardiac Silhouette",
	"Diagnosis",
	"Catheter/Implant",
	"Other",
}

// labelCategories maps known probe labels to their anatomical category.
// Labels the probe returns beyond this map are reported under Other.
var labelCategories = map[string]string{
	"atelectasis":        "Lung",
	"consolidation":      "Lung",
	"edema":              "Lung",
	"emphysema":          "Lung",
	"fibrosis":           "Lung",
	"infiltration":       "Lung",
	"mass":               "Lung",
	"nodule":             "Lung",
	"pneumonia":          "Lung",
	"hernia":             "Mediastinum",
	"fracture":           "Bone",
	"cardiomegaly":       "Cardiac Silhouette",
	"effusion":           "Diagnosis",
	"pneumothorax":       "Diagnosis",
	"pleural_thickening": "Diagnosis",
	"catheter":           "Catheter/Implant",
	"implant":            "Catheter/Implant",
	"pacemaker":          "Catheter/Implant",
}

// scoreTable renders probe scores grouped by category with risk bands,
// mirroring the structured pre-report the original analysis chain builds.
func scoreTable(probe models.ProbeResult) string {
	grouped := make(map[string][]string)
	for label, score := range probe {
		category, ok := labelCategories[label]
		if !ok {
			category = "Other"
		}
		line := fmt.Sprintf("  %s: %.2f (%s risk)", strings.ReplaceAll(label, "_", " "), score, riskBand(score))
		grouped[category] = append(grouped[category], line)
	}

	var b strings.Builder
	for _, category := range categoryOrder {
		lines := grouped[category]
		if len(lines) == 0 {
			continue
		}
		sort.Strings(lines)
		b.WriteString(category)
		b.WriteString(":\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// userPrompt assembles the per-case message from the score table and any
// case context supplied by the caller.
func userPrompt(probe models.ProbeResult, cc models.CaseContext) string {
	var b strings.Builder
	b.WriteString("Given: AI-analyzed CXR results with risk levels (low, middle, high) for various findings.\n\n")
	b.WriteString("[AI analyzed CXR results]\n")
	b.WriteString(scoreTable(probe))
	b.WriteString("\n")

	if cc.Filename != "" {
		fmt.Fprintf(&b, "\nImage file: %s", cc.Filename)
	}
	if cc.Description != "" {
		fmt.Fprintf(&b, "\nCase context: %s", cc.Description)
	}

	b.WriteString("\n\nWrite the report now with the FINDINGS and IMPRESSION sections.")
	return b.String()
}
