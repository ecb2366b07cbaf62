package http

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "medication-reminder/internal/alarms/domain"
)

// AdherenceDay aggregates the alarms of one calendar day.
type AdherenceDay struct {
	Day       time.Time `json:"day"`
	Scheduled int       `json:"scheduled"`
	Taken     int       `json:"taken"`
	Missed    int       `json:"missed"`
}

// AdherenceReport summarises a patient's alarms over a period.
type AdherenceReport struct {
	PatientID    string         `json:"patient_id"`
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	GeneratedAt  time.Time      `json:"generated_at"`
	Total        int            `json:"total"`
	Acknowledged int            `json:"acknowledged"`
	Missed       int            `json:"missed"`
	Cancelled    int            `json:"cancelled"`
	Open         int            `json:"open"`
	Rate         float64        `json:"rate"`
	Days         []AdherenceDay `json:"days"`
	Alarms       []alarms.Alarm `json:"alarms"`
}

// BuildAdherenceReport groups alarms by day in loc. Rate is taken over taken plus missed doses.
func BuildAdherenceReport(patientID string, from, to time.Time, list []alarms.Alarm, loc *time.Location, now time.Time) AdherenceReport {
	if loc == nil {
		loc = time.UTC
	}
	report := AdherenceReport{PatientID: patientID, From: from, To: to, GeneratedAt: now, Total: len(list)}
	days := make(map[time.Time]*AdherenceDay)
	for _, alarm := range list {
		local := alarm.ScheduledTime.In(loc)
		key := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		day, ok := days[key]
		if !ok {
			day = &AdherenceDay{Day: key}
			days[key] = day
		}
		day.Scheduled++
		switch alarm.Status {
		case alarms.StatusAcknowledged:
			report.Acknowledged++
			day.Taken++
		case alarms.StatusMissed:
			report.Missed++
			day.Missed++
		case alarms.StatusCancelled:
			report.Cancelled++
		default:
			report.Open++
		}
	}
	for _, day := range days {
		report.Days = append(report.Days, *day)
	}
	sort.Slice(report.Days, func(i, j int) bool { return report.Days[i].Day.Before(report.Days[j].Day) })
	if decided := report.Acknowledged + report.Missed; decided > 0 {
		report.Rate = float64(report.Acknowledged) / float64(decided)
	}
	report.Alarms = append([]alarms.Alarm(nil), list...)
	sort.Slice(report.Alarms, func(i, j int) bool { return report.Alarms[i].ScheduledTime.Before(report.Alarms[j].ScheduledTime) })
	return report
}

// BuildAdherencePDF renders a minimal PDF for a report.
func BuildAdherencePDF(report AdherenceReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Medication Adherence")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Patient: %s", report.PatientID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", report.From.Format("2006-01-02"), report.To.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Taken: %d  Missed: %d  Cancelled: %d  Open: %d", report.Acknowledged, report.Missed, report.Cancelled, report.Open))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Adherence: %.1f%%", report.Rate*100))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Day", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Scheduled", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Taken", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Missed", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, day := range report.Days {
		pdf.CellFormat(40, 6, day.Day.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", day.Scheduled), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", day.Taken), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", day.Missed), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAdherenceXLSX renders a summary sheet and one row per alarm.
func BuildAdherenceXLSX(report AdherenceReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	alarmsSheet := "alarms"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alarmsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Medication Adherence")
	_ = f.SetCellValue(summarySheet, "A3", "Patient")
	_ = f.SetCellValue(summarySheet, "B3", report.PatientID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", report.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", report.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Taken")
	_ = f.SetCellValue(summarySheet, "B6", report.Acknowledged)
	_ = f.SetCellValue(summarySheet, "A7", "Missed")
	_ = f.SetCellValue(summarySheet, "B7", report.Missed)
	_ = f.SetCellValue(summarySheet, "A8", "Cancelled")
	_ = f.SetCellValue(summarySheet, "B8", report.Cancelled)
	_ = f.SetCellValue(summarySheet, "A9", "Adherence")
	_ = f.SetCellValue(summarySheet, "B9", report.Rate)

	headers := []string{"Scheduled", "Medication", "Dosage", "Status", "Reminders", "Acknowledged", "Missed Reason"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(alarmsSheet, cell, header)
	}
	for i, alarm := range report.Alarms {
		row := i + 2
		_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("A%d", row), alarm.ScheduledTime.Format(time.RFC3339))
		_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("B%d", row), alarm.MedicationName)
		_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("C%d", row), alarm.Dosage)
		_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("D%d", row), alarm.Status)
		_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("E%d", row), alarm.ReminderCount)
		if !alarm.AcknowledgedAt.IsZero() {
			_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("F%d", row), alarm.AcknowledgedAt.Format(time.RFC3339))
		}
		_ = f.SetCellValue(alarmsSheet, fmt.Sprintf("G%d", row), alarm.MissedReason)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
