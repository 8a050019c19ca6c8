// Package detector recognises third-party integrations in a fetched page.
package detector

import (
	"context"
	"strings"

	"consentry/internal/servicescan/models"
)

// Page is the site content a detector inspects.
type Page struct {
	URL  string
	HTML string

	lower string
}

// NewPage prepares a page for case-insensitive matching.
func NewPage(url, html string) Page {
	return Page{URL: url, HTML: html, lower: strings.ToLower(html)}
}

// Contains reports whether the page contains needle, ignoring case.
func (p Page) Contains(needle string) bool {
	if p.lower == "" && p.HTML != "" {
		p.lower = strings.ToLower(p.HTML)
	}
	return strings.Contains(p.lower, strings.ToLower(needle))
}

// Detector reports whether one service is present.
type Detector interface {
	Service() models.Service
	Detect(ctx context.Context, page Page) bool
}

// Registry is an ordered list of detectors.
type Registry struct {
	detectors []Detector
	seen      map[string]bool
}

func NewRegistry(detectors ...Detector) *Registry {
	r := &Registry{seen: make(map[string]bool)}
	for _, d := range detectors {
		r.Register(d)
	}
	return r
}

// Register appends d unless a detector for the same service already exists.
func (r *Registry) Register(d Detector) bool {
	key := d.Service().Key()
	if r.seen[key] {
		return false
	}
	r.seen[key] = true
	r.detectors = append(r.detectors, d)
	return true
}

func (r *Registry) Len() int {
	return len(r.detectors)
}

// Detect runs every detector in registration order and returns the
// services found.
func (r *Registry) Detect(ctx context.Context, page Page) []models.Service {
	var found []models.Service
	for _, d := range r.detectors {
		if ctx.Err() != nil {
			break
		}
		if d.Detect(ctx, page) {
			found = append(found, d.Service())
		}
	}
	return found
}

// SignatureDetector matches a service by any of a set of markers in the HTML.
type SignatureDetector struct {
	service    models.Service
	signatures []string
}

func NewSignatureDetector(service models.Service, signatures ...string) *SignatureDetector {
	return &SignatureDetector{service: service, signatures: signatures}
}

func (d *SignatureDetector) Service() models.Service {
	return d.service
}

func (d *SignatureDetector) Detect(_ context.Context, page Page) bool {
	for _, sig := range d.signatures {
		if page.Contains(sig) {
			return true
		}
	}
	return false
}

// Builtin returns detectors for common integrations.
func Builtin() []Detector {
	return []Detector{
		NewSignatureDetector(models.Service{Slug: "google-analytics", Name: "Google Analytics", Category: "statistics", Provider: "Google"},
			"googletagmanager.com/gtag/js", "google-analytics.com/analytics.js", "gtag('config'"),
		NewSignatureDetector(models.Service{Slug: "google-tag-manager", Name: "Google Tag Manager", Category: "statistics", Provider: "Google"},
			"googletagmanager.com/gtm.js", "googletagmanager.com/ns.html"),
		NewSignatureDetector(models.Service{Slug: "matomo", Name: "Matomo", Category: "statistics", Provider: "InnoCraft"},
			"matomo.js", "piwik.js", "_paq.push"),
		NewSignatureDetector(models.Service{Slug: "hotjar", Name: "Hotjar", Category: "statistics", Provider: "Hotjar"},
			"static.hotjar.com", "hotjar.com/c/hotjar-"),
		NewSignatureDetector(models.Service{Slug: "facebook-pixel", Name: "Facebook Pixel", Category: "marketing", Provider: "Meta"},
			"connect.facebook.net", "fbq('init'"),
		NewSignatureDetector(models.Service{Slug: "linkedin-insight", Name: "LinkedIn Insight Tag", Category: "marketing", Provider: "LinkedIn"},
			"snap.licdn.com", "_linkedin_partner_id"),
		NewSignatureDetector(models.Service{Slug: "tiktok-pixel", Name: "TikTok Pixel", Category: "marketing", Provider: "TikTok"},
			"analytics.tiktok.com"),
		NewSignatureDetector(models.Service{Slug: "youtube", Name: "YouTube", Category: "marketing", Provider: "Google"},
			"youtube.com/embed", "youtube-nocookie.com/embed"),
		NewSignatureDetector(models.Service{Slug: "vimeo", Name: "Vimeo", Category: "statistics", Provider: "Vimeo"},
			"player.vimeo.com"),
		NewSignatureDetector(models.Service{Slug: "google-maps", Name: "Google Maps", Category: "preferences", Provider: "Google"},
			"maps.googleapis.com", "google.com/maps/embed"),
		NewSignatureDetector(models.Service{Slug: "recaptcha", Name: "reCAPTCHA", Category: "necessary", Provider: "Google"},
			"google.com/recaptcha", "recaptcha.net/recaptcha"),
		NewSignatureDetector(models.Service{Slug: "google-fonts", Name: "Google Fonts", Category: "preferences", Provider: "Google"},
			"fonts.googleapis.com"),
	}
}
