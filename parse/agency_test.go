package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgency(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		timezone string
		agencies int
		err      bool
	}{
		{
			"single agency without id",
			`agency_name,agency_url,agency_timezone
Muni,http://sfmta.com,America/Los_Angeles`,
			"America/Los_Angeles",
			1,
			false,
		},
		{
			"multiple agencies",
			`agency_id,agency_name,agency_url,agency_timezone
a,A,http://a,Europe/Stockholm
b,B,http://b,Europe/Stockholm`,
			"Europe/Stockholm",
			2,
			false,
		},
		{
			"conflicting timezones",
			`agency_id,agency_name,agency_url,agency_timezone
a,A,http://a,Europe/Stockholm
b,B,http://b,Europe/Oslo`,
			"", 0, true,
		},
		{
			"invalid timezone",
			`agency_name,agency_url,agency_timezone
A,http://a,Mars/Olympus_Mons`,
			"", 0, true,
		},
		{
			"missing name",
			`agency_name,agency_url,agency_timezone
,http://a,Europe/Stockholm`,
			"", 0, true,
		},
		{
			"duplicate id",
			`agency_id,agency_name,agency_url,agency_timezone
a,A,http://a,Europe/Stockholm
a,B,http://b,Europe/Stockholm`,
			"", 0, true,
		},
		{
			"empty",
			`agency_name,agency_url,agency_timezone`,
			"", 0, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			writer := &recordingWriter{}
			agency, tz, err := ParseAgency(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.timezone, tz)
			assert.Equal(t, tc.agencies, len(agency))
			assert.Equal(t, tc.agencies, len(writer.agencies))
		})
	}
}
