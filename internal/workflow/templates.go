package workflow

// BuiltinTemplates are ready-made workflow definitions that can be
// instantiated through the API as a starting point for common asset
// lifecycles.
var BuiltinTemplates = []Workflow{
	{
		ID:          "tpl_intake_inspect_commission",
		Name:        "intake_inspect_commission",
		Description: "Receive an asset, inspect it, then put it into service",
		Steps: []Step{
			{
				Name:       "intake",
				OrderIndex: 0,
				Form: Form{Name: "Intake", Schema: MetadataSchema{
					Properties: map[string]PropertySchema{
						"received_on": {Type: "string", Format: "date", Title: "Received on"},
						"condition":   {Type: "string", Enum: []string{"new", "used", "damaged"}, Title: "Condition"},
					},
					Required: []string{"condition"},
				}},
			},
			{
				Name:       "inspection",
				OrderIndex: 1,
				Form: Form{Name: "Inspection", Schema: MetadataSchema{
					Properties: map[string]PropertySchema{
						"passed": {Type: "boolean", Title: "Passed inspection"},
						"notes":  {Type: "string", Title: "Notes"},
					},
					Required: []string{"passed"},
				}},
			},
			{
				Name:             "commissioning",
				OrderIndex:       2,
				RequiresApproval: true,
				Form: Form{Name: "Commissioning", Schema: MetadataSchema{
					Properties: map[string]PropertySchema{
						"location": {Type: "string", Title: "Location"},
					},
					Required: []string{"location"},
				}},
			},
		},
	},
	{
		ID:          "tpl_batch_receiving",
		Name:        "batch_receiving",
		Description: "Record a delivery and spawn one child asset per unit received",
		Steps: []Step{
			{
				Name:       "delivery",
				OrderIndex: 0,
				Form: Form{Name: "Delivery", Schema: MetadataSchema{
					Properties: map[string]PropertySchema{
						"qty":      {Type: "integer", Title: "Quantity received"},
						"supplier": {Type: "string", Title: "Supplier"},
					},
					Required: []string{"qty"},
				}},
			},
		},
	},
	{
		ID:          "tpl_periodic_audit",
		Name:        "periodic_audit",
		Description: "Repeatable audit pass over an asset",
		IsLoopable:  true,
		Steps: []Step{
			{
				Name:       "audit",
				OrderIndex: 0,
				Form: Form{Name: "Audit", Schema: MetadataSchema{
					Properties: map[string]PropertySchema{
						"ok":       {Type: "boolean", Title: "Everything in order"},
						"findings": {Type: "string", Title: "Findings"},
					},
					Required: []string{"ok"},
				}},
			},
		},
	},
}
