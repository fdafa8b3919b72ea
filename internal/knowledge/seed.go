package knowledge

import (
	"context"

	"careline/internal/domain"
)

var seedCorpus = []domain.Document{
	{
		Title:   "ICU Capacity Management SOP",
		Source:  "seed",
		DocType: "sop",
		Content: `ICU Capacity Management Standard Operating Procedure.

When ICU occupancy exceeds 80 percent, the charge nurse initiates the capacity escalation protocol. Review all current ICU patients for step-down eligibility: stable vitals for 24 hours, no vasopressor requirement, and oxygen requirement below 4 liters per minute. Coordinate with the ward charge nurses to confirm receiving bed availability before initiating any transfer.

When ICU occupancy exceeds 90 percent, activate the surge plan. Notify the bed management coordinator and the on-call intensivist. Defer elective surgical admissions requiring planned ICU recovery. Consider opening overflow beds in the post-anesthesia care unit with appropriately trained staff.

All capacity decisions must be documented with the occupancy figure at the time of the decision, the patients reviewed, and the disposition for each. Transfers out of the ICU during surge conditions require intensivist sign-off.`,
	},
	{
		Title:   "Sepsis Bundle Protocol",
		Source:  "seed",
		DocType: "guideline",
		Content: `Sepsis Recognition and Bundle Protocol.

Patients meeting two or more systemic inflammatory response criteria with suspected infection must be screened for sepsis within 30 minutes. Criteria include temperature above 38.3 or below 36 degrees Celsius, heart rate above 90, respiratory rate above 20, and white cell count above 12,000 or below 4,000.

For confirmed or strongly suspected sepsis, complete the hour-one bundle: measure lactate, obtain blood cultures before antibiotics, administer broad-spectrum antibiotics, begin rapid crystalloid infusion at 30 milliliters per kilogram for hypotension or lactate at or above 4 millimoles per liter, and start vasopressors if the patient remains hypotensive during or after fluid resuscitation to maintain mean arterial pressure at or above 65.

Patients with escalating early warning scores and suspected sepsis should be reviewed for ICU admission. Repeat lactate within two to four hours if the initial value was elevated. Document the time of each bundle element.`,
	},
	{
		Title:   "Discharge Planning Guidelines",
		Source:  "seed",
		DocType: "guideline",
		Content: `Discharge Planning and Patient Flow Guidelines.

Discharge planning begins at admission. Each patient receives an estimated discharge date within 24 hours of admission, reviewed daily on ward rounds. Patients medically fit for discharge should leave before noon where possible to free capacity for the afternoon admission peak.

During high occupancy periods, the discharge coordinator runs an expedited review of all patients flagged as potentially dischargeable. Criteria for expedited review: medically stable for 24 hours, oral medications tolerated, transport and home support arranged, and outstanding results that will not change management.

Emergency department boarding above target triggers a hospital-wide flow call. Ward teams identify one additional discharge or transfer candidate per ward. No patient may be discharged solely to relieve capacity pressure; clinical readiness criteria always apply and any capacity-driven discharge decision requires senior clinician review.`,
	},
}

// Seed loads the built-in clinical reference corpus when the knowledge base
// is empty. Safe to call on every startup.
func (r *Retriever) Seed(ctx context.Context) error {
	docs, _, err := r.Store.KnowledgeStats(ctx)
	if err != nil {
		return err
	}
	if docs > 0 {
		return nil
	}
	for _, doc := range seedCorpus {
		if _, err := r.AddDocument(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}
