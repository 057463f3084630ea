package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event is a calendar entry.
type Event struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end,omitempty"`
	Location  string   `json:"location,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

// Email is a draft or a sent message.
type Email struct {
	ID      string    `json:"id"`
	To      []string  `json:"to"`
	CC      []string  `json:"cc,omitempty"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Status  string    `json:"status"` // "draft" or "sent"
	SentAt  time.Time `json:"sent_at,omitzero"`
}

// Post is a published social media post.
type Post struct {
	ID       string `json:"id"`
	Network  string `json:"network"`
	Target   string `json:"target,omitempty"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// Product is a store catalog item.
type Product struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

// Order is a store order.
type Order struct {
	ID        string  `json:"id"`
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Customer  string  `json:"customer"`
	Total     float64 `json:"total"`
	Status    string  `json:"status"`
}

// Note is a saved research note.
type Note struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Sandbox is an in-memory workspace behind the built-in tools. It records
// every side effect, which makes the assistant usable end to end without
// connecting real calendar, mail, social or store accounts.
type Sandbox struct {
	mu       sync.Mutex
	seq      map[string]int
	events   []Event
	emails   []Email
	posts    []Post
	products []Product
	orders   []Order
	notes    map[string]Note
}

// NewSandbox creates a workspace with a small product catalog.
func NewSandbox() *Sandbox {
	return &Sandbox{
		seq: make(map[string]int),
		products: []Product{
			{ID: "prod-1", Title: "Ceramic mug", Price: 18, Stock: 40},
			{ID: "prod-2", Title: "Linen tote bag", Price: 24, Stock: 12},
			{ID: "prod-3", Title: "Notebook set", Price: 12.5, Stock: 0},
		},
		notes: make(map[string]Note),
	}
}

func (s *Sandbox) nextID(kind string) string {
	s.seq[kind]++
	return fmt.Sprintf("%s-%d", kind, s.seq[kind])
}

// CreateEvent adds an event.
func (s *Sandbox) CreateEvent(ev Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.nextID("evt")
	s.events = append(s.events, ev)
	return ev
}

// Events lists events whose start falls in [from, to). Empty bounds are
// open. Times compare as ISO 8601 strings.
func (s *Sandbox) Events(from, to string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if (from == "" || ev.Start >= from) && (to == "" || ev.Start < to) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// DeleteEvent removes an event by id.
func (s *Sandbox) DeleteEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.events {
		if ev.ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %q not found", id)
}

// Draft stores an unsent email.
func (s *Sandbox) Draft(e Email) Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextID("draft")
	e.Status = "draft"
	s.emails = append(s.emails, e)
	return e
}

// Send sends a stored draft, or e itself when draftID is empty.
func (s *Sandbox) Send(draftID string, e Email) (Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if draftID == "" {
		e.ID = s.nextID("msg")
		e.Status = "sent"
		e.SentAt = time.Now()
		s.emails = append(s.emails, e)
		return e, nil
	}
	for i := range s.emails {
		if s.emails[i].ID != draftID {
			continue
		}
		if s.emails[i].Status == "sent" {
			return Email{}, fmt.Errorf("draft %q was already sent", draftID)
		}
		s.emails[i].Status = "sent"
		s.emails[i].SentAt = time.Now()
		return s.emails[i], nil
	}
	return Email{}, fmt.Errorf("draft %q not found", draftID)
}

// SearchEmail returns messages whose subject, body or recipients contain
// query, case-insensitively.
func (s *Sandbox) SearchEmail(query string) []Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []Email
	for _, e := range s.emails {
		hay := strings.ToLower(e.Subject + " " + e.Body + " " + strings.Join(e.To, " "))
		if strings.Contains(hay, q) {
			out = append(out, e)
		}
	}
	return out
}

// Publish records a social media post.
func (s *Sandbox) Publish(p Post) Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID(p.Network)
	s.posts = append(s.posts, p)
	return p
}

// Posts returns every published post.
func (s *Sandbox) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.posts...)
}

// Products lists catalog items whose title contains query.
func (s *Sandbox) Products(query string) []Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []Product
	for _, p := range s.products {
		if strings.Contains(strings.ToLower(p.Title), q) {
			out = append(out, p)
		}
	}
	return out
}

// Orders lists orders, optionally filtered by status.
func (s *Sandbox) Orders(status string) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// CreateOrder places an order and takes the quantity out of stock.
func (s *Sandbox) CreateOrder(productID, customer string, qty int) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.products {
		p := &s.products[i]
		if p.ID != productID {
			continue
		}
		if p.Stock < qty {
			return Order{}, fmt.Errorf("only %d of %q in stock", p.Stock, p.Title)
		}
		p.Stock -= qty
		o := Order{
			ID:        s.nextID("order"),
			ProductID: productID,
			Quantity:  qty,
			Customer:  customer,
			Total:     p.Price * float64(qty),
			Status:    "open",
		}
		s.orders = append(s.orders, o)
		return o, nil
	}
	return Order{}, fmt.Errorf("product %q not found", productID)
}

// SaveNote stores a note, replacing one with the same title.
func (s *Sandbox) SaveNote(n Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[strings.ToLower(n.Title)] = n
}

// SearchNotes returns notes whose title or body contains query, by title.
func (s *Sandbox) SearchNotes(query string) []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []Note
	for _, n := range s.notes {
		if strings.Contains(strings.ToLower(n.Title+" "+n.Body), q) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}
