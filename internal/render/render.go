// Package render builds the self-contained static HTML artifact served for a
// published profile.
package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/pilehq/pile/internal/db"
)

// BaseURL is the public origin published pages are canonical under
const BaseURL = "https://pile.bio"

// pageData is the template input for one published profile page
type pageData struct {
	Title        string
	Description  string
	CanonicalURL string
	AvatarURL    string
	Bio          string
	Links        []pageLink
	CSS          template.CSS
}

// criticalCSS is inlined into every artifact so a published page renders with
// no further requests.
const criticalCSS = `body{margin:0;font-family:system-ui,-apple-system,sans-serif;background:linear-gradient(135deg,#eff6ff,#faf5ff);color:#111827}.page{max-width:42rem;margin:0 auto;padding:3rem 1rem}.profile{text-align:center;margin-bottom:2rem}.avatar{width:6rem;height:6rem;border-radius:9999px;object-fit:cover;border:4px solid #fff;box-shadow:0 10px 15px rgba(0,0,0,.1)}.profile h1{font-size:1.875rem;font-weight:700;margin:.5rem 0}.bio{color:#4b5563;max-width:28rem;margin:0 auto}.links{display:flex;flex-direction:column;gap:1rem}.link{display:flex;align-items:center;gap:1rem;background:#fff;border-radius:.5rem;padding:1.5rem;box-shadow:0 10px 15px rgba(0,0,0,.1);text-decoration:none;color:inherit}.link:hover{background:#f9fafb}.thumb{width:3rem;height:3rem;border-radius:.5rem;object-fit:cover}.link-body{display:flex;flex-direction:column;min-width:0}.link-title{font-weight:600;font-size:1.125rem;overflow:hidden;text-overflow:ellipsis;white-space:nowrap}.link-description{font-size:.875rem;color:#4b5563}.footer{text-align:center;margin-top:3rem;font-size:.875rem}.footer a{color:#4b5563;text-decoration:none}.footer a:hover{color:#1f2937}`

type pageLink struct {
	URL         string
	Title       string
	Description string
	Image       string
}

var pageTemplate = template.Must(template.New("profile").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}} | pile.bio</title>
  <meta name="description" content="{{.Description}}">
  <link rel="canonical" href="{{.CanonicalURL}}">
  <meta property="og:type" content="profile">
  <meta property="og:url" content="{{.CanonicalURL}}">
  <meta property="og:title" content="{{.Title}}">
  <meta property="og:description" content="{{.Description}}">
{{- if .AvatarURL}}
  <meta property="og:image" content="{{.AvatarURL}}">
{{- end}}
  <meta name="twitter:card" content="summary">
  <meta name="twitter:url" content="{{.CanonicalURL}}">
  <meta name="twitter:title" content="{{.Title}}">
  <meta name="twitter:description" content="{{.Description}}">
{{- if .AvatarURL}}
  <meta name="twitter:image" content="{{.AvatarURL}}">
{{- end}}
  <style>{{.CSS}}</style>
</head>
<body>
  <main class="page">
    <header class="profile">
{{- if .AvatarURL}}
      <img class="avatar" src="{{.AvatarURL}}" alt="{{.Title}}">
{{- end}}
      <h1>{{.Title}}</h1>
{{- if .Bio}}
      <p class="bio">{{.Bio}}</p>
{{- end}}
    </header>
    <section class="links">
{{- range .Links}}
      <a class="link" href="{{.URL}}" target="_blank" rel="noopener noreferrer">
{{- if .Image}}
        <img class="thumb" src="{{.Image}}" alt="{{.Title}}">
{{- end}}
        <span class="link-body">
          <span class="link-title">{{.Title}}</span>
{{- if .Description}}
          <span class="link-description">{{.Description}}</span>
{{- end}}
        </span>
      </a>
{{- end}}
    </section>
    <footer class="footer">
      <a href="https://pile.bio" target="_blank" rel="noopener noreferrer">Create your own page on pile.bio</a>
    </footer>
  </main>
</body>
</html>
`))

// Render produces the complete HTML document for a profile and its published
// links. Only the published field triplet of each link is consulted; the
// links are expected to arrive in display order.
func Render(profile *db.Profile, links []*db.Link) ([]byte, error) {
	title := profile.Name
	if title == "" {
		title = profile.Slug
	}
	description := profile.Bio
	if description == "" {
		description = fmt.Sprintf("Check out %s's links on pile.bio", title)
	}

	data := pageData{
		Title:        title,
		Description:  description,
		CanonicalURL: fmt.Sprintf("%s/%s", BaseURL, profile.Slug),
		AvatarURL:    profile.AvatarURL,
		Bio:          profile.Bio,
		CSS:          template.CSS(criticalCSS),
	}

	for _, link := range links {
		pl := pageLink{URL: link.URL, Title: link.URL}
		if link.PublishedTitle != nil && *link.PublishedTitle != "" {
			pl.Title = *link.PublishedTitle
		}
		if link.PublishedDescription != nil {
			pl.Description = *link.PublishedDescription
		}
		if link.PublishedImage != nil {
			pl.Image = *link.PublishedImage
		}
		data.Links = append(data.Links, pl)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render profile page: %w", err)
	}

	return buf.Bytes(), nil
}
