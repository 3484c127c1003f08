// Package ui is the terminal front end: a join screen that creates or
// joins a room through the REST API, and a chat screen driven by a
// room.Manager.
package ui

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/omochice/room-chat/internal/room"
	"github.com/omochice/room-chat/internal/roomapi"
	"github.com/omochice/room-chat/pkg/protocol"
)

const (
	pageJoin = "join"
	pageChat = "chat"

	toastDuration = 4 * time.Second
	refreshEvery  = 30 * time.Second
)

// RoomAPI is the subset of the REST client the join screen needs.
type RoomAPI interface {
	CreateRoom(ctx context.Context, name string) (roomapi.Room, error)
	JoinRoom(ctx context.Context, roomID string) (roomapi.Room, error)
}

// ManagerFunc builds the room manager that reports to l.
type ManagerFunc func(l room.Listener) *room.Manager

// App is the terminal chat application.
type App struct {
	app     *tview.Application
	pages   *tview.Pages
	root    *tview.Flex
	api     RoomAPI
	manager *room.Manager
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	nameField *tview.InputField
	roomField *tview.InputField
	header    *tview.TextView
	messages  *tview.TextView
	input     *tview.InputField
	toast     *tview.TextView

	mu         sync.Mutex
	toastTimer *time.Timer
	stopOnce   sync.Once
}

var _ room.Listener = (*App)(nil)

// New builds the application. newManager is called once with the App as
// the listener.
func New(api RoomAPI, newManager ManagerFunc, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:    tview.NewApplication(),
		pages:  tview.NewPages(),
		api:    api,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	a.manager = newManager(a)

	a.toast = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.pages.AddPage(pageJoin, a.joinPage(), true, true)
	a.pages.AddPage(pageChat, a.chatPage(), true, false)

	a.root = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.toast, 1, 0, false)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlQ:
			a.Stop()
			return nil
		case tcell.KeyCtrlL:
			if name, _ := a.pages.GetFrontPage(); name == pageChat {
				a.leave()
				return nil
			}
		}
		return event
	})

	return a
}

// Run blocks until the user quits.
func (a *App) Run() error {
	go a.refresh()
	return a.app.SetRoot(a.root, true).EnableMouse(true).Run()
}

// Stop leaves the current room and ends Run.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		go func() {
			if err := a.manager.LeaveRoom(); err != nil {
				a.logger.Warn("failed to leave room", "error", err)
			}
			a.app.Stop()
		}()
	})
}

func (a *App) joinPage() tview.Primitive {
	a.nameField = tview.NewInputField().SetLabel("Name").SetFieldWidth(32)
	a.roomField = tview.NewInputField().SetLabel("Room").SetFieldWidth(32)

	form := tview.NewForm().
		AddFormItem(a.nameField).
		AddFormItem(a.roomField).
		AddButton("Join", func() { a.join(false) }).
		AddButton("Create", func() { a.join(true) }).
		AddButton("Quit", a.Stop)
	form.SetBorder(true).SetTitle(" Room Chat ")
	form.SetButtonBackgroundColor(tcell.ColorDarkCyan)

	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(form, 11, 0, true).
			AddItem(nil, 0, 1, false), 48, 0, true).
		AddItem(nil, 0, 1, false)
}

func (a *App) chatPage() tview.Primitive {
	a.header = tview.NewTextView().SetDynamicColors(true)

	a.messages = tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetScrollable(true)
	a.messages.SetBorder(true).SetTitle(" Messages ")

	a.input = tview.NewInputField().
		SetLabel("> ").
		SetPlaceholder("Type a message and press Enter")
	a.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.send()
		}
	})
	a.input.SetDisabled(true)

	leave := tview.NewButton("Leave (Ctrl-L)").SetSelectedFunc(a.leave)
	leave.SetStyle(tcell.StyleDefault.Background(tcell.ColorDarkRed).Foreground(tcell.ColorWhite))

	bottom := tview.NewFlex().
		AddItem(a.input, 0, 1, true).
		AddItem(leave, 16, 0, false)

	return tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(a.messages, 0, 1, false).
		AddItem(bottom, 1, 0, true)
}

func (a *App) join(create bool) {
	user := strings.TrimSpace(a.nameField.GetText())
	roomID := strings.TrimSpace(a.roomField.GetText())
	if user == "" || roomID == "" {
		a.showToast("[yellow]Enter name and room id")
		return
	}

	go func() {
		var (
			r   roomapi.Room
			err error
		)
		if create {
			r, err = a.api.CreateRoom(a.ctx, roomID)
		} else {
			r, err = a.api.JoinRoom(a.ctx, roomID)
		}
		if err != nil {
			a.logger.Warn("room request failed", "room", roomID, "create", create, "error", err)
			a.queue(func() { a.showToast("[red]" + tview.Escape(ErrorText(err))) })
			return
		}
		if r.RoomID != "" {
			roomID = r.RoomID
		}

		a.manager.Session().Set(roomID, user)
		a.queue(func() {
			a.messages.Clear()
			a.updateHeader()
			a.pages.SwitchToPage(pageChat)
			a.app.SetFocus(a.input)
		})
		if err := a.manager.EnterRoom(a.ctx, roomID, user); err != nil {
			a.logger.Error("failed to enter room", "room", roomID, "error", err)
		}
	}()
}

func (a *App) leave() {
	go func() {
		if err := a.manager.LeaveRoom(); err != nil {
			a.logger.Warn("failed to leave room", "error", err)
		}
		a.queue(func() {
			a.input.SetText("")
			a.pages.SwitchToPage(pageJoin)
			a.app.SetFocus(a.roomField)
		})
	}()
}

func (a *App) send() {
	text := a.input.GetText()
	if strings.TrimSpace(text) == "" {
		return
	}
	a.input.SetText("")
	go func() {
		if err := a.manager.SendMessage(a.ctx, text); err != nil {
			a.logger.Debug("send failed", "error", err)
		}
	}()
}

// OnStateChange implements room.Listener.
func (a *App) OnStateChange(e room.StateEvent) {
	a.queue(func() {
		a.updateHeader()
		a.input.SetDisabled(e.NewState != room.Connected)
	})
}

// OnNotify implements room.Listener.
func (a *App) OnNotify(n room.Notification) {
	text := n.Text
	switch n.Kind {
	case room.NotifyError:
		if n.Err != nil {
			text += ": " + n.Err.Error()
		}
		text = "[red]" + tview.Escape(text)
	case room.NotifyConnected:
		text = "[green]" + tview.Escape(text)
	default:
		text = tview.Escape(text)
	}
	a.queue(func() { a.showToast(text) })
}

// OnMessage implements room.Listener.
func (a *App) OnMessage(protocol.Message) {
	a.queue(a.render)
}

// OnBacklog implements room.Listener.
func (a *App) OnBacklog([]protocol.Message) {
	a.queue(a.render)
}

// render redraws the message list. It runs on the UI goroutine.
func (a *App) render() {
	self := a.manager.Session().User()
	now := time.Now()

	var b strings.Builder
	for _, m := range a.manager.Messages() {
		line := tview.Escape(FormatMessage(m, self, now))
		if m.Sender == self {
			line = "[green]" + line + "[-]"
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	a.messages.SetText(b.String())
	a.messages.ScrollToEnd()
}

func (a *App) updateHeader() {
	s := a.manager.Session()
	a.header.SetText(tview.Escape(Header(s.Room(), s.User(), a.manager.State())))
}

func (a *App) showToast(text string) {
	a.toast.SetText(text)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.toastTimer != nil {
		a.toastTimer.Stop()
	}
	a.toastTimer = time.AfterFunc(toastDuration, func() {
		a.queue(func() { a.toast.Clear() })
	})
}

// refresh keeps the relative timestamps current.
func (a *App) refresh() {
	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.queue(func() {
				if name, _ := a.pages.GetFrontPage(); name == pageChat {
					a.render()
				}
			})
		}
	}
}

func (a *App) queue(f func()) {
	a.app.QueueUpdateDraw(f)
}

