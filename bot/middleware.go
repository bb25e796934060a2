package bot

import (
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
)

// chatFillMiddleware makes sure every group the bot hears from is known
func (b *Bot) chatFillMiddleware(ctx *th.Context, update telego.Update) error {
	if update.Message != nil && isGroupChat(update.Message.Chat.Type) {
		b.registerChat(ctx, update.Message.Chat)
	}

	return ctx.Next(update)
}
