package protocol

import (
	"encoding/json"
	"fmt"
)

// Known collections.
const (
	Consultations  = "consultations"
	Appointments   = "appointments"
	Prescriptions  = "prescriptions"
	Doctors        = "doctors"
	Patients       = "patients"
	MedicalRecords = "medicalRecords"
	Notifications  = "notifications"
	Medications    = "medications"
	Inventory      = "inventory"
	Orders         = "orders"
)

// Meta holds the attributes every document carries.
type Meta struct {
	ID           string `json:"id"`
	LastModified int64  `json:"lastModified"`
	DeviceID     string `json:"deviceId,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

func (m Meta) Metadata() Meta { return m }

// Record is a document decoded into the schema of its collection.
type Record interface {
	Metadata() Meta
}

type Consultation struct {
	Meta
	PatientID   string `json:"patientId,omitempty"`
	DoctorID    string `json:"doctorId,omitempty"`
	Status      string `json:"status,omitempty"`
	Type        string `json:"type,omitempty"`
	ScheduledAt string `json:"scheduledAt,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type Appointment struct {
	Meta
	PatientID string `json:"patientId,omitempty"`
	DoctorID  string `json:"doctorId,omitempty"`
	Date      string `json:"date,omitempty"`
	Time      string `json:"time,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type PrescribedMedication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

type Prescription struct {
	Meta
	PatientID   string                 `json:"patientId,omitempty"`
	DoctorID    string                 `json:"doctorId,omitempty"`
	ChemistID   string                 `json:"chemistId,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Medications []PrescribedMedication `json:"medications,omitempty"`
}

type Doctor struct {
	Meta
	Name           string  `json:"name,omitempty"`
	Specialization string  `json:"specialization,omitempty"`
	Experience     int     `json:"experience,omitempty"`
	Rating         float64 `json:"rating,omitempty"`
	Fee            float64 `json:"fee,omitempty"`
	Available      bool    `json:"available,omitempty"`
}

type InventoryItem struct {
	Meta
	ChemistID string  `json:"chemistId,omitempty"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Expiry    string  `json:"expiry,omitempty"`
}

type MedicalRecord struct {
	Meta
	PatientID   string `json:"patientId,omitempty"`
	DoctorID    string `json:"doctorId,omitempty"`
	Title       string `json:"title,omitempty"`
	RecordType  string `json:"recordType,omitempty"`
	Description string `json:"description,omitempty"`
}

type Notification struct {
	Meta
	PatientID string `json:"patientId,omitempty"`
	DoctorID  string `json:"doctorId,omitempty"`
	ChemistID string `json:"chemistId,omitempty"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
	Read      bool   `json:"read,omitempty"`
}

type Medication struct {
	Meta
	ChemistID    string  `json:"chemistId,omitempty"`
	Name         string  `json:"name,omitempty"`
	Manufacturer string  `json:"manufacturer,omitempty"`
	Price        float64 `json:"price,omitempty"`
	Stock        int     `json:"stock,omitempty"`
}

type Order struct {
	Meta
	PatientID      string  `json:"patientId,omitempty"`
	ChemistID      string  `json:"chemistId,omitempty"`
	PrescriptionID string  `json:"prescriptionId,omitempty"`
	Status         string  `json:"status,omitempty"`
	Total          float64 `json:"total,omitempty"`
}

// Opaque is the fallback for collections without a schema.
type Opaque struct {
	Meta
	Collection string
	Fields     Document
}

var schemas = map[string]func() Record{
	Consultations:  func() Record { return &Consultation{} },
	Appointments:   func() Record { return &Appointment{} },
	Prescriptions:  func() Record { return &Prescription{} },
	Doctors:        func() Record { return &Doctor{} },
	MedicalRecords: func() Record { return &MedicalRecord{} },
	Notifications:  func() Record { return &Notification{} },
	Medications:    func() Record { return &Medication{} },
	Inventory:      func() Record { return &InventoryItem{} },
	Orders:         func() Record { return &Order{} },
}

// Decode converts doc into the typed record of its collection, or an
// *Opaque when the collection has no registered schema.
func Decode(collection string, doc Document) (Record, error) {
	newRecord, ok := schemas[collection]
	if !ok {
		return &Opaque{
			Meta: Meta{
				ID:           doc.ID(),
				LastModified: doc.LastModified(),
				DeviceID:     doc.DeviceID(),
				UserID:       doc.UserID(),
			},
			Collection: collection,
			Fields:     doc.Clone(),
		}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, err)
	}
	r := newRecord()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, doc.ID(), err)
	}
	return r, nil
}

// Encode turns a record back into a wire document.
func Encode(r Record) (Document, error) {
	if o, ok := r.(*Opaque); ok {
		d := o.Fields.Clone()
		if d == nil {
			d = Document{}
		}
		d[FieldID] = o.ID
		d[FieldLastModified] = o.LastModified
		if o.DeviceID != "" {
			d[FieldDeviceID] = o.DeviceID
		}
		if o.UserID != "" {
			d[FieldUserID] = o.UserID
		}
		return d, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	d := Document{}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}
