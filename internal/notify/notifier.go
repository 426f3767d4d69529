package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/protfolio666/GapOpsHub-sub000/internal/audit"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Store is the read surface for recipient resolution; *store.DB
// satisfies it.
type Store interface {
	GetGap(ctx context.Context, id int64) (*core.Gap, error)
	GetUser(ctx context.Context, id int64) (*core.User, error)
	ListGapPocs(ctx context.Context, gapID int64) ([]core.GapPoc, error)
	ListUsersByRoles(ctx context.Context, roles []core.Role) ([]core.User, error)
}

// Broadcaster pushes events to realtime rooms.
type Broadcaster interface {
	ToGap(gapID int64, event string, payload interface{})
	ToUser(userID int64, event string, payload interface{})
}

// Auditor records audit entries; *audit.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Notifier consumes domain events and produces the per-event side
// effects: email, socket broadcast, audit entry. Each channel fails
// independently.
type Notifier struct {
	store   Store
	email   Sender // nil disables email
	sockets Broadcaster
	auditor Auditor
	logger  *slog.Logger

	events chan *core.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewNotifier wires the fan-out consumer. email may be nil when no
// relay is configured.
func NewNotifier(st Store, email Sender, sockets Broadcaster, auditor Auditor) *Notifier {
	return &Notifier{
		store:   st,
		email:   email,
		sockets: sockets,
		auditor: auditor,
		logger:  slog.Default().With("component", "notify"),
		done:    make(chan struct{}),
	}
}

// Start consumes the given subscription channel until Close.
func (n *Notifier) Start(events chan *core.Event) {
	n.events = events
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.done:
				return
			case ev, ok := <-n.events:
				if !ok {
					return
				}
				n.Handle(context.Background(), ev)
			}
		}
	}()
}

// Close stops the consumer loop.
func (n *Notifier) Close() {
	close(n.done)
	n.wg.Wait()
}

// Handle dispatches one event. Exported so tests drive it directly.
func (n *Notifier) Handle(ctx context.Context, ev *core.Event) {
	switch ev.Type {
	case core.EventGapCreated:
		n.record(ctx, ev, audit.ActionCreateGap)
	case core.EventGapUpdated:
		n.sockets.ToGap(ev.GapID, "gap:updated", ev)
		if ev.ActorID != 0 {
			n.record(ctx, ev, audit.ActionUpdateGap)
		}
	case core.EventGapAssigned:
		n.sockets.ToGap(ev.GapID, "gap:updated", ev)
		n.record(ctx, ev, audit.ActionAssignGap)
		n.emailAssignee(ctx, ev)
	case core.EventGapResolved:
		n.sockets.ToGap(ev.GapID, "gap:updated", ev)
		n.record(ctx, ev, audit.ActionUpdateGapStatus)
		n.emailReporter(ctx, ev, "resolved")
	case core.EventGapReopened:
		n.sockets.ToGap(ev.GapID, "gap:updated", ev)
		n.record(ctx, ev, audit.ActionGapReopened)
	case core.EventGapClosedDuplicate:
		n.sockets.ToGap(ev.GapID, "gap:updated", ev)
		n.record(ctx, ev, audit.ActionGapMarkedDuplicate)
		n.emailReporter(ctx, ev, "closed as a duplicate")
	case core.EventExtensionRequested:
		n.record(ctx, ev, audit.ActionCreateExtension)
		n.emailManagers(ctx, ev)
	case core.EventTatBreachWarning:
		n.emailAssigneeBreach(ctx, ev)
	case core.EventCommentCreated:
		n.sockets.ToGap(ev.GapID, "new-comment", ev)
		n.notifyPocsOfComment(ctx, ev)
	}
}

func (n *Notifier) record(ctx context.Context, ev *core.Event, action string) {
	if n.auditor == nil {
		return
	}
	var actor *int64
	if ev.ActorID != 0 {
		id := ev.ActorID
		actor = &id
	}
	changes := core.JSONMap{}
	for k, v := range ev.Data {
		changes[k] = v
	}
	n.auditor.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     action,
		EntityType: "gap",
		EntityID:   strconv.FormatInt(ev.GapID, 10),
		Changes:    changes,
	})
}

func (n *Notifier) send(ctx context.Context, msg Message) {
	if n.email == nil || len(msg.To) == 0 {
		return
	}
	if err := n.email.Send(ctx, msg); err != nil {
		// Delivery failure never fails the originating operation.
		n.logger.Error("email delivery failed", "subject", msg.Subject, "error", err)
	}
}

// emailAssignee mails the new assignee with other POCs in Cc.
func (n *Notifier) emailAssignee(ctx context.Context, ev *core.Event) {
	g, err := n.store.GetGap(ctx, ev.GapID)
	if err != nil || g.AssignedToID == nil {
		return
	}
	assignee, err := n.store.GetUser(ctx, *g.AssignedToID)
	if err != nil {
		return
	}
	cc := n.pocEmails(ctx, g.ID, assignee.ID)
	n.send(ctx, Message{
		To:      []string{assignee.Email},
		Cc:      cc,
		Subject: fmt.Sprintf("[%s] Gap assigned to you: %s", g.GapID, g.Title),
		HTML: fmt.Sprintf("<p>%s has been assigned to you.</p><p><b>%s</b></p><p>%s</p>",
			g.GapID, g.Title, g.Description),
	})
}

// emailReporter mails the reporter about a status change, POCs in Cc.
func (n *Notifier) emailReporter(ctx context.Context, ev *core.Event, what string) {
	g, err := n.store.GetGap(ctx, ev.GapID)
	if err != nil {
		return
	}
	reporter, err := n.store.GetUser(ctx, g.ReporterID)
	if err != nil {
		return
	}
	var cc []string
	if ev.Type == core.EventGapResolved {
		cc = n.pocEmails(ctx, g.ID, reporter.ID)
	}
	n.send(ctx, Message{
		To:      []string{reporter.Email},
		Cc:      cc,
		Subject: fmt.Sprintf("[%s] Gap %s: %s", g.GapID, what, g.Title),
		HTML:    fmt.Sprintf("<p>%s has been %s.</p><p><b>%s</b></p>", g.GapID, what, g.Title),
	})
}

// emailManagers mails every Admin and Management user.
func (n *Notifier) emailManagers(ctx context.Context, ev *core.Event) {
	users, err := n.store.ListUsersByRoles(ctx, []core.Role{core.RoleAdmin, core.RoleManagement})
	if err != nil || len(users) == 0 {
		return
	}
	to := make([]string, 0, len(users))
	for i := range users {
		to = append(to, users[i].Email)
	}
	reason, _ := ev.Data["reason"].(string)
	gapID, _ := ev.Data["gapId"].(string)
	n.send(ctx, Message{
		To:      to,
		Subject: fmt.Sprintf("[%s] TAT extension requested", gapID),
		HTML:    fmt.Sprintf("<p>A deadline extension was requested.</p><p>Reason: %s</p>", reason),
	})
}

// emailAssigneeBreach warns the assignee about an approaching or passed
// deadline.
func (n *Notifier) emailAssigneeBreach(ctx context.Context, ev *core.Event) {
	g, err := n.store.GetGap(ctx, ev.GapID)
	if err != nil || g.AssignedToID == nil {
		return
	}
	assignee, err := n.store.GetUser(ctx, *g.AssignedToID)
	if err != nil {
		return
	}
	window, _ := ev.Data["window"].(string)
	n.send(ctx, Message{
		To:      []string{assignee.Email},
		Subject: fmt.Sprintf("[%s] TAT %s: %s", g.GapID, window, g.Title),
		HTML:    fmt.Sprintf("<p>The turnaround deadline for %s is %s.</p>", g.GapID, window),
	})
}

// notifyPocsOfComment pushes a per-user notification to every rostered
// POC except the comment author.
func (n *Notifier) notifyPocsOfComment(ctx context.Context, ev *core.Event) {
	pocs, err := n.store.ListGapPocs(ctx, ev.GapID)
	if err != nil {
		return
	}
	for i := range pocs {
		if pocs[i].UserID == ev.ActorID {
			continue
		}
		n.sockets.ToUser(pocs[i].UserID, "poc-comment-notification", ev)
	}
}

// pocEmails returns roster member emails excluding one user.
func (n *Notifier) pocEmails(ctx context.Context, gapID, exclude int64) []string {
	pocs, err := n.store.ListGapPocs(ctx, gapID)
	if err != nil {
		return nil
	}
	var out []string
	for i := range pocs {
		if pocs[i].UserID == exclude {
			continue
		}
		u, err := n.store.GetUser(ctx, pocs[i].UserID)
		if err != nil {
			continue
		}
		out = append(out, u.Email)
	}
	return out
}
