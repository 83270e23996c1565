package fanout

import "github.com/robertarktes/court-slot-reservations/internal/domain"

func FacilityTopic(facilityID string) string {
	return "facility:" + facilityID
}

func CourtDayTopic(courtID string, date domain.Date) string {
	return "court:" + courtID + ":" + date.String()
}

func UserTopic(userID string) string {
	return "user:" + userID
}
