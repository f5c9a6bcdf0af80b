package quality

import "testing"

func cleanCheck() Check {
	return Check{
		PreviousCounterValue: 100,
		CurrentCounterValue:  200,
		Revenue:              20000,
		CoinUnitValue:        200,
		GPSDeviation:         50,
	}
}

func TestValidate_Clean(t *testing.T) {
	report := Validate(cleanCheck())

	if !report.Valid() {
		t.Fatalf("expected valid report, issues: %v", report.Issues)
	}
	if report.QualityScore != 100 {
		t.Fatalf("quality score = %d, want 100", report.QualityScore)
	}
}

func TestValidate_Issues(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Check)
		wantIssue Issue
		wantScore int
	}{
		{
			name: "score inversion",
			mutate: func(c *Check) {
				c.CurrentCounterValue = 50
				c.Revenue = 0
			},
			wantIssue: IssueScoreInversion,
			// инверсия тянет за собой и расхождение выручки
			wantScore: 40,
		},
		{
			name: "revenue mismatch",
			mutate: func(c *Check) {
				c.Revenue = 19000
			},
			wantIssue: IssueRevenueMismatch,
			wantScore: 70,
		},
		{
			name: "gps extreme deviation",
			mutate: func(c *Check) {
				c.GPSDeviation = 1500
			},
			wantIssue: IssueGPSExtremeDeviation,
			wantScore: 70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cleanCheck()
			tt.mutate(&c)

			report := Validate(c)
			if !report.Has(tt.wantIssue) {
				t.Fatalf("report %v does not contain %s", report.Issues, tt.wantIssue)
			}
			if report.QualityScore != tt.wantScore {
				t.Fatalf("quality score = %d, want %d", report.QualityScore, tt.wantScore)
			}
		})
	}
}

func TestValidate_RevenueTolerance(t *testing.T) {
	c := cleanCheck()
	c.Revenue = 20001

	if report := Validate(c); !report.Valid() {
		t.Fatalf("deviation within tolerance must pass, issues: %v", report.Issues)
	}

	c.Revenue = 20002
	if report := Validate(c); !report.Has(IssueRevenueMismatch) {
		t.Fatalf("deviation beyond tolerance must be flagged")
	}
}

func TestValidate_AllIssuesAtOnce(t *testing.T) {
	c := Check{
		PreviousCounterValue: 200,
		CurrentCounterValue:  50,
		Revenue:              99999,
		CoinUnitValue:        200,
		GPSDeviation:         5000,
	}

	report := Validate(c)
	if len(report.Issues) != 3 {
		t.Fatalf("issues = %v, want all three", report.Issues)
	}
	if report.QualityScore != 10 {
		t.Fatalf("quality score = %d, want 10", report.QualityScore)
	}
}

func TestValidate_CustomGPSThreshold(t *testing.T) {
	c := cleanCheck()
	c.GPSDeviation = 400
	c.MaxGPSDeviation = 300

	if report := Validate(c); !report.Has(IssueGPSExtremeDeviation) {
		t.Fatalf("custom threshold must be honored")
	}
}
