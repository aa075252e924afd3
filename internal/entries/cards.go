package entries

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Card is one entry as rendered in the entry list.
type Card struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

const cardClass = "entry-card"

// Cards pulls the entry cards out of list markup, in document order.
func Cards(markup string) ([]Card, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse entries markup: %w", err)
	}
	var cards []Card
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, cardClass) {
			cards = append(cards, Card{ID: entryID(n), Text: textOf(n)})
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return cards, nil
}

// Filter keeps the cards whose text contains query, ignoring case. An empty
// query keeps everything.
func Filter(cards []Card, query string) []Card {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return cards
	}
	out := make([]Card, 0, len(cards))
	for _, c := range cards {
		if strings.Contains(strings.ToLower(c.Text), query) {
			out = append(out, c)
		}
	}
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, f := range strings.Fields(a.Val) {
			if f == class {
				return true
			}
		}
	}
	return false
}

// entryID looks for data-entry-id on the card, then on its descendants.
func entryID(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key == "data-entry-id" {
			return a.Val
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if id := entryID(c); id != "" {
			return id
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
