package enrich

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/deco-sec/tower/internal/model"
)

var ErrProvider = errors.New("vulnerability provider error")

// Provider resolves a platform identifier into known vulnerability
// records.
type Provider interface {
	Lookup(ctx context.Context, platformID string) ([]model.VulnRecord, error)
}

// nvdResponse covers the slice of the NVD CVE API 2.0 response this
// system consumes.
type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics struct {
				CVSSMetricV31 []struct {
					CVSSData struct {
						BaseScore    float64 `json:"baseScore"`
						BaseSeverity string  `json:"baseSeverity"`
					} `json:"cvssData"`
					ExploitabilityScore float64 `json:"exploitabilityScore"`
				} `json:"cvssMetricV31"`
			} `json:"metrics"`
			CISAExploitAdd string `json:"cisaExploitAdd"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// NVDProvider queries the National Vulnerability Database CVE API.
type NVDProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewNVDProvider(endpoint, apiKey string) *NVDProvider {
	retryable := retryablehttp.NewClient()
	retryable.RetryMax = 3
	retryable.RetryWaitMin = time.Second
	retryable.Logger = nil
	retryable.HTTPClient.Transport = otelhttp.NewTransport(retryable.HTTPClient.Transport)

	return &NVDProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   retryable.StandardClient(),
	}
}

func (p *NVDProvider) Lookup(ctx context.Context, platformID string) ([]model.VulnRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.lookupURL(platformID), nil)
	if err != nil {
		return nil, errors.Wrap(ErrProvider, err.Error())
	}

	if p.apiKey != "" {
		req.Header.Set("apiKey", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrProvider, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(ErrProvider, "unexpected status: "+resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(ErrProvider, err.Error())
	}

	data := &nvdResponse{}
	if err := json.Unmarshal(body, data); err != nil {
		return nil, errors.Wrap(ErrProvider, err.Error())
	}

	records := []model.VulnRecord{}

	for _, v := range data.Vulnerabilities {
		record := model.VulnRecord{
			CVE:              v.CVE.ID,
			ExploitAvailable: v.CVE.CISAExploitAdd != "",
		}

		for _, desc := range v.CVE.Descriptions {
			if desc.Lang == "en" {
				record.Description = desc.Value
				break
			}
		}

		if len(v.CVE.Metrics.CVSSMetricV31) > 0 {
			cvss := v.CVE.Metrics.CVSSMetricV31[0].CVSSData
			record.CVSSScore = cvss.BaseScore
			record.Severity = model.ParseSeverity(strings.ToLower(cvss.BaseSeverity))
		} else {
			record.Severity = model.SeverityLow
		}

		records = append(records, record)
	}

	return records, nil
}

// The NVD API keys CPE queries on cpeName; service identifiers fall
// back to a keyword search.
func (p *NVDProvider) lookupURL(platformID string) string {
	if strings.HasPrefix(platformID, "cpe:") {
		return p.endpoint + "?virtualMatchString=" + url.QueryEscape(platformID)
	}

	return p.endpoint + "?keywordSearch=" + url.QueryEscape(PlatformFamily(platformID))
}
