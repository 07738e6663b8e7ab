package maintenance

import "testing"

func TestValidPartitionName(t *testing.T) {
	valid := []string{
		"raw_hits_202601",
		"raw_hits_202512",
		"raw_hits_199901",
	}
	for _, name := range valid {
		if !validPartitionName.MatchString(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{
		"raw_hits_2026",
		"raw_hits_20260101",
		"raw_hits_",
		"parsed_hits_202601",
		"raw_hits_202601_old",
		"public.raw_hits_202601",
		`raw_hits_202601"; DROP TABLE raw_hits; --`,
		"raw_hits_2026ab",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}
