package auth

// Guard 决定是否放行受保护内容。
// 没有 token 时返回指向登录页的跳转，并记录原始位置。
func Guard(token, location string) (Navigation, bool) {
	if token == "" {
		return Navigation{Target: RouteLogin, Return: location, Replace: true}, false
	}
	return Navigation{}, true
}
