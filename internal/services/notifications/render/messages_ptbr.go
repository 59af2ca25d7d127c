package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.MustParse("pt-BR")

	message.SetString(lang, "notification.generic.title", "Notificação")
	message.SetString(lang, "notification.generic.body", "Você tem uma nova notificação.")
	message.SetString(lang, "notification.error.title", "Erro")
	message.SetString(lang, "notification.announcement.title", "Novo Aviso")
	message.SetString(lang, "notification.assignment.title", "Nova Tarefa")
	message.SetString(lang, "notification.session.profile_timeout.body", "Não foi possível carregar o perfil")
	message.SetString(lang, "notification.session.provider_error.body", "Não foi possível acessar o serviço de login")
	message.SetString(lang, "notification.session.logout_failed.body", "Não foi possível sair")
}
