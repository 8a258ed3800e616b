package server

import (
	"time"

	"cropline/internal/domain"
)

type StartCropRequest struct {
	CropType  string    `json:"crop_type" example:"Spinach"`
	Nickname  string    `json:"nickname" example:"balcony spinach"`
	StartDate time.Time `json:"start_date" format:"date-time"`
}

type TransitionRequest struct {
	Trigger string `json:"trigger" enum:"Start,Complete,Skip,Reset" example:"Start"`
	Notes   string `json:"notes,omitempty"`
}

type CropResponse struct {
	Crop  domain.CropInstance   `json:"crop"`
	Steps []domain.StepInstance `json:"steps,omitempty"`
}

type CropListResponse struct {
	Crops []domain.CropInstance `json:"crops"`
}

type StepListResponse struct {
	Steps []domain.StepInstance `json:"steps"`
}

type StepResponse struct {
	Step              domain.StepInstance  `json:"step"`
	PermittedTriggers []domain.StepTrigger `json:"permitted_triggers"`
}

type CatalogResponse struct {
	Crops []domain.CropTemplate `json:"crops"`
	Steps []domain.StepTemplate `json:"steps"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

type RemindersRunResponse struct {
	Sent int `json:"sent"`
}
