package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Vehicle mirrors the vehicles table and its three capacity counters.
type Vehicle struct {
	VehicleID               string    `gorm:"type:uuid;primaryKey"`
	Name                    string    `gorm:"not null"`
	WaitlistTokensAvailable int       `gorm:"not null"`
	BookNowTokensAvailable  int       `gorm:"not null"`
	TicketsAvailable        int       `gorm:"not null"`
	TicketCeiling           int       `gorm:"not null"`
	CreatedAt               time.Time `gorm:"not null"`
	UpdatedAt               time.Time `gorm:"not null"`
}

func (Vehicle) TableName() string { return "vehicles" }

func (vehicle *Vehicle) BeforeCreate(tx *gorm.DB) error {
	if vehicle.VehicleID == "" {
		vehicle.VehicleID = uuid.NewString()
	}
	return nil
}

// RefundSubState is the refund lifecycle embedded on a paying entity.
type RefundSubState struct {
	RefundID    string     `gorm:""`
	AmountCents int64      `gorm:""`
	Status      string     `gorm:"not null;default:none"`
	InitiatedAt *time.Time `gorm:""`
	ProcessedAt *time.Time `gorm:""`
	CompletedAt *time.Time `gorm:""`
	Reason      string     `gorm:""`
	ActorID     string     `gorm:""`
}

// Reservation mirrors the reservations table (waitlist and book-now tokens).
type Reservation struct {
	ReservationID   string         `gorm:"type:uuid;primaryKey"`
	VehicleID       string         `gorm:"type:uuid;not null;index:idx_reservations_vehicle"`
	HolderID        string         `gorm:"not null;index:idx_reservations_holder"`
	Kind            string         `gorm:"not null"`
	CustomID        string         `gorm:"not null;uniqueIndex:uniq_reservations_custom_id"`
	AmountPaidCents int64          `gorm:"not null"`
	ExpiresAt       *time.Time     `gorm:""`
	Status          string         `gorm:"not null"`
	Refund          RefundSubState `gorm:"embedded;embeddedPrefix:refund_"`
	CreatedAt       time.Time      `gorm:"not null"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// OwnershipTicket mirrors the ownership_tickets table.
type OwnershipTicket struct {
	TicketID           string    `gorm:"type:uuid;primaryKey"`
	VehicleID          string    `gorm:"type:uuid;not null;index:idx_tickets_vehicle"`
	HolderID           string    `gorm:"not null;index:idx_tickets_holder"`
	CustomID           string    `gorm:"not null;uniqueIndex:uniq_tickets_custom_id"`
	PriceCents         int64     `gorm:"not null"`
	AmountPaidCents    int64     `gorm:"not null"`
	PendingAmountCents int64     `gorm:"not null"`
	Status             string    `gorm:"not null"`
	Resold             bool      `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (OwnershipTicket) TableName() string { return "ownership_tickets" }

func (ticket *OwnershipTicket) BeforeCreate(tx *gorm.DB) error {
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	return nil
}

// AMCSchedule mirrors the amc_schedules table.
type AMCSchedule struct {
	ScheduleID string    `gorm:"type:uuid;primaryKey"`
	HolderID   string    `gorm:"not null;index:idx_amc_schedules_holder"`
	VehicleID  string    `gorm:"type:uuid;not null;index:idx_amc_schedules_vehicle"`
	TicketID   string    `gorm:"type:uuid;not null;index:idx_amc_schedules_ticket"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (AMCSchedule) TableName() string { return "amc_schedules" }

func (schedule *AMCSchedule) BeforeCreate(tx *gorm.DB) error {
	if schedule.ScheduleID == "" {
		schedule.ScheduleID = uuid.NewString()
	}
	return nil
}

// AMCYearEntry mirrors the amc_year_entries table. The composite key keeps
// year indexes unique within a schedule.
type AMCYearEntry struct {
	ScheduleID     string         `gorm:"type:uuid;primaryKey"`
	YearIndex      int            `gorm:"primaryKey"`
	AmountCents    int64          `gorm:"not null"`
	Paid           bool           `gorm:"not null;default:false"`
	DueDate        time.Time      `gorm:"not null;index:idx_amc_entries_due"`
	PaidDate       *time.Time     `gorm:""`
	PenaltyCents   int64          `gorm:"not null;default:0"`
	LastReminderAt *time.Time     `gorm:""`
	Refund         RefundSubState `gorm:"embedded;embeddedPrefix:refund_"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (AMCYearEntry) TableName() string { return "amc_year_entries" }

// RefundRecord mirrors the refund_records table, one row per refund attempt.
type RefundRecord struct {
	RecordID        string     `gorm:"type:uuid;primaryKey"`
	PaymentID       string     `gorm:"not null;index:idx_refund_records_payment"`
	OrderID         string     `gorm:"not null"`
	GatewayRefundID string     `gorm:"not null;uniqueIndex:uniq_refund_records_gateway_id"`
	AmountCents     int64      `gorm:"not null"`
	Status          string     `gorm:"not null"`
	HolderID        string     `gorm:"not null;index:idx_refund_records_holder"`
	TransactionType string     `gorm:"not null"`
	TransactionID   string     `gorm:"not null;index:idx_refund_records_transaction"`
	Reason          string     `gorm:""`
	ActorID         string     `gorm:""`
	InitiatedAt     time.Time  `gorm:"not null"`
	ProcessedAt     *time.Time `gorm:""`
	CompletedAt     *time.Time `gorm:""`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (RefundRecord) TableName() string { return "refund_records" }

// Notification mirrors the notifications table.
type Notification struct {
	NotificationID string         `gorm:"type:uuid;primaryKey"`
	RecipientID    string         `gorm:"not null;index:idx_notifications_recipient,priority:1"`
	RecipientKind  string         `gorm:"not null;index:idx_notifications_recipient,priority:2"`
	Type           string         `gorm:"not null"`
	Title          string         `gorm:"not null"`
	Message        string         `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	RelatedKind    string         `gorm:""`
	RelatedID      string         `gorm:""`
	Priority       string         `gorm:"not null"`
	IsRead         bool           `gorm:"not null;default:false"`
	ReadAt         *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null;index:idx_notifications_recipient,priority:3"`
}

func (Notification) TableName() string { return "notifications" }

// StaffMember unifies administrators and super-administrators under one
// role-discriminated table.
type StaffMember struct {
	StaffID   string    `gorm:"type:uuid;primaryKey"`
	Email     string    `gorm:"not null;uniqueIndex:uniq_staff_members_email"`
	Name      string    `gorm:"not null"`
	Role      string    `gorm:"not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
}

func (StaffMember) TableName() string { return "staff_members" }

func (staff *StaffMember) BeforeCreate(tx *gorm.DB) error {
	if staff.StaffID == "" {
		staff.StaffID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates every table the treasury core persists to.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Vehicle{},
		&Reservation{},
		&OwnershipTicket{},
		&AMCSchedule{},
		&AMCYearEntry{},
		&RefundRecord{},
		&Notification{},
		&StaffMember{},
	)
}
