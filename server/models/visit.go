package models

import "time"

type Patient struct {
	ID     string `json:"patientId" form:"patientId"`
	Name   string `json:"patientName" form:"patientName"`
	Age    string `json:"patientAge" form:"patientAge"`
	Number string `json:"patientNumber" form:"patientNumber"`
	Gender string `json:"gender" form:"gender"`
}

type Visit struct {
	VisitID       string    `json:"visitId"`
	TempID        string    `json:"tempId"`
	PatientID     string    `json:"patientId"`
	PatientName   string    `json:"patientName"`
	PatientAge    string    `json:"patientAge"`
	PatientNumber string    `json:"patientNumber"`
	Gender        string    `json:"gender"`
	VideoURL      string    `json:"video"`
	ReportURL     string    `json:"report"`
	VisitDate     string    `json:"visitDate"`
	VisitTime     string    `json:"visitTime"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Radiologist struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}
