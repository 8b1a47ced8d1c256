package models

import "time"

// AbuseEvent is the audit row for limiter rejections of one IP hash in one
// window during one hour. Repeated rejections bump Hits instead of adding
// rows, so spam grows the table by identities, not by requests.
type AbuseEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IPHash      string    `gorm:"uniqueIndex:idx_abuse_bucket,priority:1;size:64" json:"ipHash"`
	WindowName  string    `gorm:"uniqueIndex:idx_abuse_bucket,priority:2;size:32" json:"window"`
	// BucketStart is unix seconds truncated to the hour.
	BucketStart int64     `gorm:"uniqueIndex:idx_abuse_bucket,priority:3" json:"bucketStart"`
	// Scope and SessionID describe the latest rejection in the bucket.
	Scope       string    `gorm:"size:96" json:"scope"`
	SessionID   string    `gorm:"size:64" json:"sessionId"`
	Hits        int64     `gorm:"not null;default:1" json:"hits"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `gorm:"index" json:"lastSeenAt"`
}

// TableName specifies the table name for AbuseEvent model.
func (AbuseEvent) TableName() string {
	return "abuse_events"
}
