package model

// Keys used in event payload documents. A creation payload is a complete
// snapshot of the read-model row; later payloads carry only the fields that
// change plus whatever context the caller attaches.
const (
	PayloadID            = "id"
	PayloadTenantID      = "tenant_id"
	PayloadUserID        = "user_id"
	PayloadParkingSpotID = "parking_spot_id"
	PayloadStartTime     = "start_time"
	PayloadEndTime       = "end_time"
	PayloadDurationHours = "duration_hours"
	PayloadTotalCost     = "total_cost"
	PayloadStatus        = "status"
	PayloadTransactionID = "transaction_id"
	PayloadReason        = "reason"
	PayloadAmount        = "amount"
	PayloadCreatedAt     = "created_at"
	PayloadUpdatedAt     = "updated_at"
)
