package serviceb

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstPropValueSyncToken(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/calendars/user/home/</D:href>
    <D:propstat>
      <D:prop>
        <D:sync-token>https://example.com/sync/1234</D:sync-token>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`)

	var ms multistatus
	require.NoError(t, xml.Unmarshal(body, &ms))
	require.Equal(t, "https://example.com/sync/1234", firstPropValue(&ms, "sync-token"))
}

func TestFirstPropValueCTag(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/calendars/user/home/</D:href>
    <D:propstat>
      <D:prop>
        <cs:getctag>rev-42</cs:getctag>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`)

	var ms multistatus
	require.NoError(t, xml.Unmarshal(body, &ms))
	require.Equal(t, "rev-42", firstPropValue(&ms, "getctag"))
}

func TestFirstPropValueIgnoresNon200Propstat(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/calendars/user/home/</D:href>
    <D:propstat>
      <D:prop>
        <D:sync-token>should-not-be-seen</D:sync-token>
      </D:prop>
      <D:status>HTTP/1.1 404 Not Found</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`)

	var ms multistatus
	require.NoError(t, xml.Unmarshal(body, &ms))
	require.Equal(t, "", firstPropValue(&ms, "sync-token"))
}

func TestStatusFromErr(t *testing.T) {
	require.Equal(t, 403, statusFromErr(&statusError{code: 403}))
	require.Equal(t, 0, statusFromErr(nil))
}
