package mapping

import "go-crm-sync/internal/common/models"

func lead(local, crm, fieldType, transform string, required bool) FieldMapping {
	return FieldMapping{LocalField: local, CRMField: crm, FieldType: fieldType, Transform: transform, IsRequired: required, EntityType: models.EntityLead}
}

func opportunity(local, crm, fieldType, transform string, required bool) FieldMapping {
	return FieldMapping{LocalField: local, CRMField: crm, FieldType: fieldType, Transform: transform, IsRequired: required, EntityType: models.EntityOpportunity}
}

func activity(local, crm, fieldType, transform string, required bool) FieldMapping {
	return FieldMapping{LocalField: local, CRMField: crm, FieldType: fieldType, Transform: transform, IsRequired: required, EntityType: models.EntityActivity}
}

var defaultMappings = map[models.CRMType][]FieldMapping{
	models.CRMSalesforce: {
		lead("first_name", "FirstName", "string", "trim", true),
		lead("last_name", "LastName", "string", "trim", true),
		lead("email", "Email", "email", "email", true),
		lead("phone", "Phone", "phone", "phone", false),
		lead("company", "Company", "string", "trim", false),
		lead("job_title", "Title", "string", "trim", false),
		lead("lead_source", "LeadSource", "string", "", false),
		lead("status", "Status", "picklist", "picklist", false),
		opportunity("name", "Name", "string", "trim", true),
		opportunity("amount", "Amount", "currency", "currency", false),
		opportunity("stage", "StageName", "picklist", "picklist", false),
		opportunity("close_date", "CloseDate", "date", "date", false),
		opportunity("probability", "Probability", "number", "number", false),
		opportunity("description", "Description", "text", "", false),
		activity("subject", "Subject", "string", "trim", true),
		activity("activity_type", "TaskSubtype", "picklist", "", false),
		activity("due_date", "ActivityDate", "date", "date", false),
		activity("status", "Status", "picklist", "", false),
		activity("description", "Description", "text", "", false),
	},
	models.CRMHubSpot: {
		lead("first_name", "firstname", "string", "trim", true),
		lead("last_name", "lastname", "string", "trim", true),
		lead("email", "email", "string", "email", true),
		lead("phone", "phone", "string", "phone", false),
		lead("company", "company", "string", "trim", false),
		lead("job_title", "jobtitle", "string", "trim", false),
		lead("lead_source", "hs_lead_status", "enumeration", "", false),
		opportunity("name", "dealname", "string", "trim", true),
		opportunity("amount", "amount", "number", "currency", false),
		opportunity("stage", "dealstage", "enumeration", "picklist", false),
		opportunity("close_date", "closedate", "datetime", "date", false),
		opportunity("description", "description", "string", "", false),
		activity("subject", "hs_task_subject", "string", "trim", true),
		activity("activity_type", "hs_task_type", "enumeration", "", false),
		activity("due_date", "hs_timestamp", "datetime", "date", false),
		activity("status", "hs_task_status", "enumeration", "", false),
		activity("description", "hs_task_body", "string", "", false),
	},
	models.CRMZoho: {
		lead("first_name", "First_Name", "string", "trim", true),
		lead("last_name", "Last_Name", "string", "trim", true),
		lead("email", "Email", "string", "email", true),
		lead("phone", "Phone", "string", "phone", false),
		lead("company", "Company", "string", "trim", false),
		lead("job_title", "Designation", "string", "trim", false),
		lead("lead_source", "Lead_Source", "picklist", "picklist", false),
		opportunity("name", "Deal_Name", "string", "trim", true),
		opportunity("amount", "Amount", "currency", "currency", false),
		opportunity("stage", "Stage", "picklist", "picklist", false),
		opportunity("close_date", "Closing_Date", "date", "date", false),
		opportunity("probability", "Probability", "number", "number", false),
		opportunity("description", "Description", "text", "", false),
		activity("subject", "Subject", "string", "trim", true),
		activity("due_date", "Due_Date", "date", "date", false),
		activity("status", "Status", "picklist", "", false),
		activity("description", "Description", "text", "", false),
	},
	models.CRMPipedrive: {
		lead("first_name", "first_name", "varchar", "trim", true),
		lead("last_name", "last_name", "varchar", "trim", true),
		lead("email", "email", "varchar", "email", true),
		lead("phone", "phone", "varchar", "phone", false),
		lead("company", "org_name", "varchar", "trim", false),
		lead("job_title", "title", "varchar", "trim", false),
		opportunity("name", "title", "varchar", "trim", true),
		opportunity("amount", "value", "currency", "currency", false),
		opportunity("stage", "status", "varchar", "", false),
		opportunity("close_date", "expected_close_date", "date", "date", false),
		opportunity("probability", "probability", "number", "number", false),
		activity("subject", "subject", "varchar", "trim", true),
		activity("activity_type", "type", "varchar", "", false),
		activity("due_date", "due_date", "date", "date", false),
		activity("description", "note", "text", "", false),
	},
}

// DefaultMappings returns a copy of the provider's default mapping list.
// Providers without defaults get an empty list.
func DefaultMappings(crmType models.CRMType) []FieldMapping {
	defaults := defaultMappings[crmType]
	out := make([]FieldMapping, len(defaults))
	copy(out, defaults)
	return out
}
