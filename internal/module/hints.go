package module

// BuiltinKeywords is the stock routing hint table for the standard business
// domains. Callers registering their own handlers for these modules can reuse
// the table instead of re-declaring keyword lists.
//
// Entries are substring stems, not whole words ("manufactur" matches both
// "manufacturing" and "manufacture").
var BuiltinKeywords = map[string][]string{
	"sales": {
		"sale", "revenue", "customer", "upsell", "pipeline", "quote", "margin", "order",
	},
	"purchasing": {
		"purchase", "supplier", "procure", "po", "vendor", "sourcing", "buy",
	},
	"logistics": {
		"inventory", "logistic", "stock", "warehouse", "shipping", "delivery", "fulfillment", "transport",
	},
	"manufacturing": {
		"production", "manufactur", "bom", "work order", "assembly", "factory", "line",
	},
	"accounting": {
		"invoice", "journal", "ledger", "ap ", "ar ", "expense", "financial", "reconcile",
	},
	"communications": {
		"email", "notify", "escalate", "message", "alert", "contact", "outreach",
	},
	"inference": {
		"recommend", "inference", "predict", "scenario", "forecast", "risk", "opportunity",
	},
}
