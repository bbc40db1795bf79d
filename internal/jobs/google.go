package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oakline/concierge/internal/contacts"
)

// GooglePeople implements ContactSource against the People API connections
// listing with sync tokens for incremental pulls.
type GooglePeople struct {
	httpClient *http.Client
	baseURL    string
}

func NewGooglePeople() *GooglePeople {
	return &GooglePeople{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://people.googleapis.com/v1",
	}
}

type peopleResponse struct {
	Connections []struct {
		ResourceName string `json:"resourceName"`
		Etag         string `json:"etag"`
		Metadata     struct {
			Deleted bool `json:"deleted"`
		} `json:"metadata"`
		Names []struct {
			DisplayName string `json:"displayName"`
			GivenName   string `json:"givenName"`
			FamilyName  string `json:"familyName"`
		} `json:"names"`
		EmailAddresses []struct {
			Value string `json:"value"`
		} `json:"emailAddresses"`
		PhoneNumbers []struct {
			Value string `json:"value"`
		} `json:"phoneNumbers"`
		Organizations []struct {
			Name  string `json:"name"`
			Title string `json:"title"`
		} `json:"organizations"`
		Birthdays []struct {
			Date struct {
				Year  int `json:"year"`
				Month int `json:"month"`
				Day   int `json:"day"`
			} `json:"date"`
		} `json:"birthdays"`
	} `json:"connections"`
	NextPageToken string `json:"nextPageToken"`
	NextSyncToken string `json:"nextSyncToken"`
}

// Changes lists changed connections. With a delta token only changes since
// the last run come back; without one the listing is full.
func (g *GooglePeople) Changes(ctx context.Context, accessToken, deltaToken string) ([]contacts.ProviderContact, string, bool, error) {
	isFull := deltaToken == ""

	var (
		records   []contacts.ProviderContact
		pageToken string
		syncToken string
	)
	for {
		q := url.Values{
			"personFields":     {"names,emailAddresses,phoneNumbers,organizations,birthdays,metadata"},
			"requestSyncToken": {"true"},
			"pageSize":         {"200"},
		}
		if deltaToken != "" {
			q.Set("syncToken", deltaToken)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		page, err := g.fetchPage(ctx, accessToken, q)
		if err != nil {
			return nil, "", isFull, err
		}

		for _, c := range page.Connections {
			rec := contacts.ProviderContact{
				Provider:   SourceGoogleContacts,
				ExternalID: c.ResourceName,
				Etag:       c.Etag,
				Deleted:    c.Metadata.Deleted,
			}
			if len(c.Names) > 0 {
				rec.DisplayName = c.Names[0].DisplayName
				rec.GivenName = c.Names[0].GivenName
				rec.FamilyName = c.Names[0].FamilyName
			}
			for _, e := range c.EmailAddresses {
				rec.Emails = append(rec.Emails, e.Value)
			}
			for _, p := range c.PhoneNumbers {
				rec.Phones = append(rec.Phones, p.Value)
			}
			if len(c.Organizations) > 0 {
				rec.Organization = c.Organizations[0].Name
				rec.Title = c.Organizations[0].Title
			}
			if len(c.Birthdays) > 0 && c.Birthdays[0].Date.Month > 0 {
				d := c.Birthdays[0].Date
				year := d.Year
				if year == 0 {
					year = 1900 // year withheld by the contact
				}
				bd := time.Date(year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
				rec.Birthday = &bd
			}
			records = append(records, rec)
		}

		if page.NextSyncToken != "" {
			syncToken = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return records, syncToken, isFull, nil
}

func (g *GooglePeople) fetchPage(ctx context.Context, accessToken string, q url.Values) (*peopleResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/people/me/connections?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("people api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("people api read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// An expired sync token demands a full re-list.
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "EXPIRED_SYNC_TOKEN") {
			return nil, fmt.Errorf("people api sync token expired")
		}
		return nil, fmt.Errorf("people api status %d: %s", resp.StatusCode, body)
	}

	var page peopleResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("people api parse failed: %w", err)
	}
	return &page, nil
}

// GoogleCalendar implements TimezoneSource from calendar settings.
type GoogleCalendar struct {
	httpClient *http.Client
	baseURL    string
}

func NewGoogleCalendar() *GoogleCalendar {
	return &GoogleCalendar{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://www.googleapis.com/calendar/v3",
	}
}

func (g *GoogleCalendar) Timezone(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/users/me/settings/timezone", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar settings request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("calendar settings read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("calendar settings status %d: %s", resp.StatusCode, body)
	}

	var setting struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &setting); err != nil {
		return "", fmt.Errorf("calendar settings parse failed: %w", err)
	}
	if setting.Value == "" {
		return "", fmt.Errorf("calendar settings returned empty timezone")
	}
	return setting.Value, nil
}
